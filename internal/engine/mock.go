package engine

import (
	"context"
	"time"
)

// Mock is a test helper with the same method set as Docker. Nil funcs succeed.
type Mock struct {
	StateFunc        func(ctx context.Context, service string) (ContainerState, error)
	StopFunc         func(ctx context.Context, services ...string) error
	RecreateFunc     func(ctx context.Context, services ...string) error
	PullFunc         func(ctx context.Context, service string) error
	BuildFunc        func(ctx context.Context, service string) error
	ExecFunc         func(ctx context.Context, service string, cmd ...string) ([]byte, error)
	ListFunc         func(ctx context.Context) (map[string]Container, error)
	StatsFunc        func(ctx context.Context) ([]ContainerStats, error)
	RestartStackFunc func(delay time.Duration) error
}

func (m *Mock) State(ctx context.Context, service string) (ContainerState, error) {
	if m != nil && m.StateFunc != nil {
		return m.StateFunc(ctx, service)
	}
	return ContainerState{Status: "running", Running: true}, nil
}

func (m *Mock) Stop(ctx context.Context, services ...string) error {
	if m != nil && m.StopFunc != nil {
		return m.StopFunc(ctx, services...)
	}
	return nil
}

func (m *Mock) Recreate(ctx context.Context, services ...string) error {
	if m != nil && m.RecreateFunc != nil {
		return m.RecreateFunc(ctx, services...)
	}
	return nil
}

func (m *Mock) Pull(ctx context.Context, service string) error {
	if m != nil && m.PullFunc != nil {
		return m.PullFunc(ctx, service)
	}
	return nil
}

func (m *Mock) Build(ctx context.Context, service string) error {
	if m != nil && m.BuildFunc != nil {
		return m.BuildFunc(ctx, service)
	}
	return nil
}

func (m *Mock) Exec(ctx context.Context, service string, cmd ...string) ([]byte, error) {
	if m != nil && m.ExecFunc != nil {
		return m.ExecFunc(ctx, service, cmd...)
	}
	return nil, nil
}

func (m *Mock) List(ctx context.Context) (map[string]Container, error) {
	if m != nil && m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return map[string]Container{}, nil
}

func (m *Mock) Stats(ctx context.Context) ([]ContainerStats, error) {
	if m != nil && m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return nil, nil
}

func (m *Mock) RestartStack(delay time.Duration) error {
	if m != nil && m.RestartStackFunc != nil {
		return m.RestartStackFunc(delay)
	}
	return nil
}
