package session

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"livequiz-service/internal/domain"
)

// DefaultCodeAttempts bounds how many candidate codes are tried before giving up.
const DefaultCodeAttempts = 10

// CodeGenerator produces 6-digit numeric join codes.
type CodeGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewCodeGenerator() *CodeGenerator {
	return NewCodeGeneratorWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewCodeGeneratorWithSource is used by tests for reproducible codes.
func NewCodeGeneratorWithSource(src rand.Source) *CodeGenerator {
	return &CodeGenerator{rnd: rand.New(src)}
}

// Next returns floor(100000 + r*900000) for a uniform r in [0,1).
func (g *CodeGenerator) Next() string {
	g.mu.Lock()
	n := 100000 + g.rnd.Intn(900000)
	g.mu.Unlock()
	return strconv.Itoa(n)
}

// ValidJoinCode reports whether code has the 6-digit shape of a join code.
func ValidJoinCode(code string) bool {
	if len(code) != 6 || code[0] == '0' {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Claim reports whether code was free and is now held by the caller.
type Claim func(ctx context.Context, code string) (bool, error)

// AllocateJoinCode draws codes until claim accepts one.
func AllocateJoinCode(ctx context.Context, next func() string, claim Claim, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code := next()
		ok, err := claim(ctx, code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", domain.ErrJoinCodeExhausted
}
