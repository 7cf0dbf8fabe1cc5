package domainerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// DomainErrorsSuite tests the domain error primitives.
//
// Justification: the dispatcher decides between ack, redelivery and
// dead-letter purely from these codes, so code matching and code
// preservation through wrapping must hold.
type DomainErrorsSuite struct {
	suite.Suite
}

func TestDomainErrorsSuite(t *testing.T) {
	suite.Run(t, new(DomainErrorsSuite))
}

func (s *DomainErrorsSuite) TestErrorString() {
	s.Run("returns message when present", func() {
		err := &Error{Code: CodeStoreUnavailable, Message: "fingerprint store unreachable"}
		s.Equal("fingerprint store unreachable", err.Error())
	})

	s.Run("falls back to code", func() {
		err := &Error{Code: CodeMalformedMessage}
		s.Equal("malformed_message", err.Error())
	})
}

func (s *DomainErrorsSuite) TestIsMatchesByCode() {
	s.Run("same code different message", func() {
		a := &Error{Code: CodePublishFailed, Message: "broker down"}
		b := &Error{Code: CodePublishFailed, Message: "timeout"}
		s.True(errors.Is(a, b))
	})

	s.Run("different codes", func() {
		s.False(errors.Is(&Error{Code: CodePublishFailed}, &Error{Code: CodeStoreUnavailable}))
	})

	s.Run("through fmt wrapping", func() {
		err := fmt.Errorf("worker 3: %w", New(CodeStoreUnavailable, "lookup failed"))
		s.True(errors.Is(err, &Error{Code: CodeStoreUnavailable}))
	})

	s.Run("non-domain target never matches", func() {
		s.False((&Error{Code: CodeNotFound}).Is(errors.New("not_found")))
	})
}

func (s *DomainErrorsSuite) TestWrap() {
	s.Run("preserves inner domain code", func() {
		inner := New(CodeStoreUnavailable, "store down")
		wrapped := Wrap(inner, CodeInternal, "verify failed")
		s.True(HasCode(wrapped, CodeStoreUnavailable))
		s.Equal("verify failed", wrapped.Error())
	})

	s.Run("applies code to plain errors", func() {
		wrapped := Wrap(context.DeadlineExceeded, CodeStoreUnavailable, "lookup deadline")
		s.True(HasCode(wrapped, CodeStoreUnavailable))
		s.True(errors.Is(wrapped, context.DeadlineExceeded))
	})
}

func (s *DomainErrorsSuite) TestWithCodeOverridesInnerCode() {
	inner := New(CodeValidation, "fingerprintIds: min")
	err := WithCode(inner, CodeMalformedMessage, "malformed message")

	s.Equal(CodeMalformedMessage, CodeOf(err))
	s.True(errors.Is(err, &Error{Code: CodeValidation}), "inner code still reachable through the chain")
}

func (s *DomainErrorsSuite) TestCodeOf() {
	s.Equal(CodePublishFailed, CodeOf(New(CodePublishFailed, "x")))
	s.Equal(CodeInternal, CodeOf(errors.New("plain")))
	s.Equal(CodeInternal, CodeOf(nil))
}

func (s *DomainErrorsSuite) TestHasCodeNil() {
	s.False(HasCode(nil, CodeNotFound))
}
