package llm

import (
	"FinDocAnalyzer/internal/config"
	"FinDocAnalyzer/pkg/circuitbreaker"
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyResponse is returned when the provider answered without any text.
var ErrEmptyResponse = errors.New("analyzer returned no content")

// Analyzer 定义了文档分析模型客户端必须实现的通用接口。
// 每次 Analyze 调用对应一次模型请求。
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Func adapts a function to Analyzer. Useful for tests and offline runs.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Analyze(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }
func (Func) Name() string                                                 { return "func" }

// NewFromConfig 是一个工厂函数，根据配置创建对应提供商的 Analyzer，并按需套上熔断器。
func NewFromConfig(ctx context.Context, cfg config.LLMConfig) (Analyzer, error) {
	var (
		a   Analyzer
		err error
	)
	switch cfg.Provider {
	case "gemini":
		a, err = NewGemini(ctx, cfg.Gemini.Model, cfg.Gemini.APIKey)
	case "openai":
		a, err = NewOpenAI(cfg.OpenAI.Model, cfg.OpenAI.APIKey)
	case "compatible":
		a, err = NewCompatible(cfg.Compatible.BaseURL, cfg.Compatible.Model, cfg.Compatible.APIKey)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.Enabled {
		a = WithBreaker(a, circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			Timeout:          cfg.CircuitBreaker.TimeoutDuration(),
		}))
	}
	return a, nil
}

type guarded struct {
	next Analyzer
	cb   *circuitbreaker.Breaker
}

// WithBreaker wraps a so that repeated provider failures short-circuit with circuitbreaker.ErrCircuitOpen.
func WithBreaker(a Analyzer, cb *circuitbreaker.Breaker) Analyzer {
	return &guarded{next: a, cb: cb}
}

func (g *guarded) Analyze(ctx context.Context, prompt string) (string, error) {
	var out string
	err := g.cb.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.Analyze(ctx, prompt)
		return err
	})
	return out, err
}

func (g *guarded) Name() string { return g.next.Name() }

// Close closes the wrapped analyzer when it holds a connection.
func (g *guarded) Close() error {
	if c, ok := g.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
