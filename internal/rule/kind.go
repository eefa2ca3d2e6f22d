package rule

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/identity"
	"github.com/sunbk201/ruleproxy/internal/interpreter"
	"github.com/sunbk201/ruleproxy/internal/statistics"
)

type Kind string

const (
	KindBlocking      Kind = "blockingRules"
	KindHeader        Kind = "headerRules"
	KindResponse      Kind = "responseRules"
	KindContentScript Kind = "contentScripts"
)

// Kinds lists every rule kind in storage order.
var Kinds = []Kind{KindBlocking, KindHeader, KindResponse, KindContentScript}

func (k Kind) Valid() bool {
	switch k {
	case KindBlocking, KindHeader, KindResponse, KindContentScript:
		return true
	}
	return false
}

type TextType string

const (
	TextPlain  TextType = "plaintext"
	TextScript TextType = "script"
)

var (
	ErrRemoved   = errors.New("rule: removed")
	ErrDuplicate = errors.New("rule: duplicate id")
	ErrNoHost    = errors.New("rule: no host")
)

var validate = validator.New()

// Env is what a rule needs from the outside world. Recorder and Executor may
// be nil; a rule without an executor treats every script as failing.
type Env struct {
	Host     host.Host
	Executor interpreter.Executor
	Recorder *statistics.Recorder
	IDs      *identity.Generator
}

func (e *Env) newID() string {
	if e.IDs == nil {
		return identity.NewString()
	}
	return e.IDs.NewString()
}

// Behavior is the kind-specific part of a rule. All methods are called with
// the owning rule's lock held.
type Behavior interface {
	Kind() Kind
	// Fields lists the kind-specific fields in storage order.
	Fields() []string
	Defaults() map[string]any
	// Set applies one field. It reports whether the change requires the
	// listeners to be registered again.
	Set(field string, value any) (restart bool, err error)
	Get(field string) (any, bool)
	Register(r *Rule)
	Unregister(r *Rule)
}

// NewBehavior returns an unconfigured behavior for kind.
func NewBehavior(kind Kind) (Behavior, error) {
	switch kind {
	case KindBlocking:
		return &blocking{}, nil
	case KindHeader:
		return &header{}, nil
	case KindResponse:
		return &response{}, nil
	case KindContentScript:
		return &contentScript{frameID: -1}, nil
	}
	return nil, fmt.Errorf("unknown rule kind %q", kind)
}

func oneOf(field, value string, allowed ...string) error {
	if err := validate.Var(value, "oneof="+strings.Join(allowed, " ")); err != nil {
		return fmt.Errorf("invalid %s %q: must be one of %s", field, value, strings.Join(allowed, ", "))
	}
	return nil
}

func ruleAttr(kind Kind, id, name string) slog.Attr {
	return slog.Group("rule", slog.String("kind", string(kind)), slog.String("id", id), slog.String("name", name))
}
