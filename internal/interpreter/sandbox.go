package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/grafana/sobek"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultScriptTimeout = 2 * time.Second
	defaultConcurrency   = 16
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Sandbox evaluates function bodies in a fresh JavaScript runtime per call.
// The runtime has no host bindings: scripts only see their arguments and the
// language built-ins.
type Sandbox struct {
	codec       Codec
	timeout     time.Duration
	concurrency int
}

type SandboxOption func(*Sandbox)

func WithSandboxCodec(c Codec) SandboxOption {
	return func(s *Sandbox) { s.codec = c }
}

func WithScriptTimeout(d time.Duration) SandboxOption {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithConcurrency(n int) SandboxOption {
	return func(s *Sandbox) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		codec:       JSONCodec{},
		timeout:     DefaultScriptTimeout,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates msg directly, without a channel in between.
func (s *Sandbox) Run(ctx context.Context, msg Message) (any, error) {
	return s.Execute(ctx, msg)
}

// Execute wraps the body as a function taking the argument names as
// parameters, calls it, and returns the result as plain data.
func (s *Sandbox) Execute(ctx context.Context, msg Message) (result any, err error) {
	names := make([]string, 0, len(msg.Args))
	for name := range msg.Args {
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("invalid argument name %q", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	vm := sobek.New()
	timer := time.AfterFunc(s.timeout, func() { vm.Interrupt("script timeout") })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()

	src := "(function(" + strings.Join(names, ",") + "){\n" + msg.FunctionBody + "\n})"
	fnValue, err := vm.RunString(src)
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := sobek.AssertFunction(fnValue)
	if !ok {
		return nil, errors.New("script did not compile to a function")
	}

	parse, stringify, err := jsonFuncs(vm)
	if err != nil {
		return nil, err
	}

	args := make([]sobek.Value, len(names))
	for i, name := range names {
		raw, err := json.Marshal(msg.Args[name])
		if err != nil {
			return nil, fmt.Errorf("encode argument %s: %w", name, err)
		}
		v, err := parse(sobek.Undefined(), vm.ToValue(string(raw)))
		if err != nil {
			return nil, scriptError(err)
		}
		args[i] = v
	}

	ret, err := fn(sobek.Undefined(), args...)
	if err != nil {
		return nil, scriptError(err)
	}
	if sobek.IsUndefined(ret) || sobek.IsNull(ret) {
		return nil, nil
	}

	out, err := stringify(sobek.Undefined(), ret)
	if err != nil {
		return nil, scriptError(err)
	}
	if sobek.IsUndefined(out) {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out.String()), &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

func jsonFuncs(vm *sobek.Runtime) (parse, stringify sobek.Callable, err error) {
	obj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if parse, ok = sobek.AssertFunction(obj.Get("parse")); !ok {
		return nil, nil, errors.New("JSON.parse unavailable")
	}
	if stringify, ok = sobek.AssertFunction(obj.Get("stringify")); !ok {
		return nil, nil, errors.New("JSON.stringify unavailable")
	}
	return parse, stringify, nil
}

func scriptError(err error) error {
	var interrupted *sobek.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var exception *sobek.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("script threw: %s", exception.Value().String())
	}
	return err
}

// Serve answers requests arriving on ch until ctx ends or ch fails. Calls
// are evaluated concurrently.
func (s *Sandbox) Serve(ctx context.Context, ch Channel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var err error
	for {
		var data []byte
		data, err = ch.Receive(gctx)
		if err != nil {
			break
		}
		var req Request
		if uerr := s.codec.Unmarshal(data, &req); uerr != nil {
			slog.Warn("Malformed sandbox request", slog.Any("error", uerr))
			continue
		}
		g.Go(func() error {
			resp := s.handle(gctx, req)
			out, merr := s.codec.Marshal(resp)
			if merr != nil {
				slog.Error("Encode sandbox response", slog.String("id", req.ID), slog.Any("error", merr))
				out, _ = s.codec.Marshal(Response{ID: req.ID, Response: merr.Error()})
			}
			if serr := ch.Send(gctx, out); serr != nil {
				slog.Warn("Send sandbox response", slog.String("id", req.ID), slog.Any("error", serr))
			}
			return nil
		})
	}
	_ = g.Wait()

	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Sandbox) handle(ctx context.Context, req Request) Response {
	result, err := s.Execute(ctx, req.Message)
	if err != nil {
		slog.Debug("Sandbox script failed", slog.String("id", req.ID), slog.Any("error", err))
		return Response{ID: req.ID, Success: false, Response: err.Error()}
	}
	return Response{ID: req.ID, Success: true, Response: result}
}

// StartEmbedded serves sb over an in-process pipe and returns the connected
// Bridge. Closing the bridge stops the sandbox.
func StartEmbedded(ctx context.Context, sb *Sandbox, opts ...Option) *Bridge {
	client, server := Pipe()
	go func() {
		if err := sb.Serve(ctx, server); err != nil {
			slog.Error("Embedded sandbox stopped", slog.Any("error", err))
		}
	}()
	return NewBridge(client, append([]Option{WithCodec(sb.codec)}, opts...)...)
}
