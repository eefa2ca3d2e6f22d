// Package factory is the single entry point to rule state from the outside
// world. It creates, modifies and removes rules of every kind and keeps the
// stores in step with the live rules.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/go-analyze/bulk"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/sunbk201/ruleproxy/internal/rule"
	"github.com/sunbk201/ruleproxy/internal/storage"
)

// FieldSync marks whether a rule lives in the sync store (true) or the
// local store (false).
const FieldSync = "sync"

var (
	ErrUnknownKind = errors.New("unknown rule kind")
	ErrUnknownRule = errors.New("unknown rule")
	ErrInvalid     = errors.New("invalid rule details")
)

const reloadTimeout = 30 * time.Second

type Factory struct {
	mu         sync.Mutex
	env        *rule.Env
	local      storage.Store
	sync       storage.Store
	registries map[rule.Kind]*rule.Registry
	localIDs   map[string]struct{}
	cancels    []func()
}

// New returns a factory with empty registries. Call Initialize to load the
// stored rules.
func New(env *rule.Env, local, sync storage.Store) *Factory {
	f := &Factory{
		env:        env,
		local:      local,
		sync:       sync,
		registries: make(map[rule.Kind]*rule.Registry, len(rule.Kinds)),
		localIDs:   make(map[string]struct{}),
	}
	for _, kind := range rule.Kinds {
		f.registries[kind] = rule.NewRegistry(kind)
	}
	return f
}

func (f *Factory) Kinds() []rule.Kind {
	return append([]rule.Kind(nil), rule.Kinds...)
}

// Kind resolves a kind name, suggesting the closest one when it is unknown.
func (f *Factory) Kind(name string) (rule.Kind, error) {
	kind := rule.Kind(name)
	if _, ok := f.registries[kind]; ok {
		return kind, nil
	}
	best, distance := "", -1
	for _, k := range rule.Kinds {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(string(k)))
		if distance < 0 || d < distance {
			best, distance = string(k), d
		}
	}
	if distance >= 0 && distance <= len(best)/2 {
		return "", fmt.Errorf("%w %q, did you mean %q?", ErrUnknownKind, name, best)
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, name)
}

func (f *Factory) registry(kind rule.Kind) (*rule.Registry, error) {
	if g, ok := f.registries[kind]; ok {
		return g, nil
	}
	_, err := f.Kind(string(kind))
	return nil, err
}

// Initialize replaces the live rules of kinds, or of every kind, with the
// ones in the stores.
func (f *Factory) Initialize(ctx context.Context, kinds ...rule.Kind) error {
	if len(kinds) == 0 {
		kinds = rule.Kinds
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, kind := range kinds {
		if err := f.initialize(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) initialize(ctx context.Context, kind rule.Kind) error {
	g, err := f.registry(kind)
	if err != nil {
		return err
	}
	for _, r := range g.List() {
		delete(f.localIDs, r.ID())
		r.Remove()
	}

	items, localIDs, err := f.read(ctx, kind)
	if err != nil {
		return err
	}
	for id := range localIDs {
		f.localIDs[id] = struct{}{}
	}

	for _, details := range items {
		if _, err := rule.New(f.env, g, details); err != nil {
			slog.Warn("Skipping stored rule", slog.String("kind", string(kind)), slog.Any("id", details[rule.FieldID]),
				slog.Any("error", err))
		}
	}
	slog.Info("Rules loaded", slog.String("kind", string(kind)), slog.Int("count", g.Len()),
		slog.Int("local", len(localIDs)))
	return nil
}

// read loads the stored rules of kind, local ones first, and reports which
// ids came from the local store.
func (f *Factory) read(ctx context.Context, kind rule.Kind) ([]map[string]any, map[string]struct{}, error) {
	fields := rule.Fields(kind)

	localValues, err := f.local.Get(ctx, string(kind))
	if err != nil {
		return nil, nil, fmt.Errorf("read local %s: %w", kind, err)
	}
	syncValues, err := f.sync.Get(ctx, string(kind))
	if err != nil {
		return nil, nil, fmt.Errorf("read sync %s: %w", kind, err)
	}

	local := parseItems(localValues[string(kind)], fields)
	items := append(local, parseItems(syncValues[string(kind)], fields)...)

	ids := make([]string, 0, len(local))
	for _, details := range local {
		if id := cast.ToString(details[rule.FieldID]); id != "" {
			ids = append(ids, id)
		}
	}
	return items, bulk.SliceToSet(ids), nil
}

// parseItems accepts a stored array whose items are either detail objects or
// positional arrays in field order.
func parseItems(raw []byte, fields []string) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	list := gjson.ParseBytes(raw)
	if !list.IsArray() {
		slog.Warn("Stored rules are not an array", slog.String("value", list.Raw))
		return nil
	}

	var out []map[string]any
	list.ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.IsArray():
			details := make(map[string]any, len(fields))
			for i, value := range item.Array() {
				if i < len(fields) {
					details[fields[i]] = value.Value()
				}
			}
			out = append(out, details)
		case item.IsObject():
			if details, ok := item.Value().(map[string]any); ok {
				out = append(out, details)
			}
		default:
			slog.Warn("Ignoring stored rule", slog.String("value", item.Raw))
		}
		return true
	})
	return out
}

// Add creates a rule from the kind's defaults overlaid with details and
// stores it. A generated id always replaces any id in details.
func (f *Factory) Add(ctx context.Context, kind rule.Kind, details map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.registry(kind)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(details))
	for k, v := range details {
		if k != rule.FieldID && k != FieldSync {
			values[k] = v
		}
	}
	r, err := rule.New(f.env, g, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if v, ok := details[FieldSync]; ok && !cast.ToBool(v) {
		f.localIDs[r.ID()] = struct{}{}
	}

	if err := f.save(ctx, kind); err != nil {
		return nil, err
	}
	slog.Info("Rule added", slog.Any("rule", r))
	return f.details(r), nil
}

// Modify applies changes to a rule. The sync key moves the rule between the
// stores; every other key updates the rule.
func (f *Factory) Modify(ctx context.Context, kind rule.Kind, id string, changes map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.lookup(kind, id)
	if err != nil {
		return nil, err
	}

	var updateErr error
	fields := make(map[string]any, len(changes))
	for k, v := range changes {
		if k == FieldSync {
			if cast.ToBool(v) {
				delete(f.localIDs, id)
			} else {
				f.localIDs[id] = struct{}{}
			}
			continue
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		if err := r.Update(fields); err != nil {
			updateErr = fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	if err := f.save(ctx, kind); err != nil {
		return nil, err
	}
	return f.details(r), updateErr
}

func (f *Factory) Remove(ctx context.Context, kind rule.Kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.lookup(kind, id)
	if err != nil {
		return err
	}
	r.Remove()
	delete(f.localIDs, id)
	slog.Info("Rule removed", slog.String("kind", string(kind)), slog.String("id", id))
	return f.save(ctx, kind)
}

// Get returns the details of every rule of kind with its sync flag.
func (f *Factory) Get(kind rule.Kind) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, err := f.registry(kind)
	if err != nil {
		return nil, err
	}
	rules := g.List()
	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, f.details(r))
	}
	return out, nil
}

// Rule returns one live rule.
func (f *Factory) Rule(kind rule.Kind, id string) (*rule.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(kind, id)
}

func (f *Factory) lookup(kind rule.Kind, id string) (*rule.Rule, error) {
	g, err := f.registry(kind)
	if err != nil {
		return nil, err
	}
	r, ok := g.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownRule, kind, id)
	}
	return r, nil
}

func (f *Factory) details(r *rule.Rule) map[string]any {
	d := r.Details()
	_, local := f.localIDs[r.ID()]
	d[FieldSync] = !local
	return d
}

// save writes the kind's rules as positional arrays, local ones to the local
// store and the rest to the sync store. The writes are silent so they do not
// trigger a reload.
func (f *Factory) save(ctx context.Context, kind rule.Kind) error {
	g, err := f.registry(kind)
	if err != nil {
		return err
	}
	localItems, syncItems := [][]any{}, [][]any{}
	for _, r := range g.List() {
		if _, ok := f.localIDs[r.ID()]; ok {
			localItems = append(localItems, r.Values())
		} else {
			syncItems = append(syncItems, r.Values())
		}
	}
	if err := f.local.Set(ctx, map[string]any{string(kind): localItems}, true); err != nil {
		return fmt.Errorf("save local %s: %w", kind, err)
	}
	if err := f.sync.Set(ctx, map[string]any{string(kind): syncItems}, true); err != nil {
		return fmt.Errorf("save sync %s: %w", kind, err)
	}
	return nil
}

// Save writes every kind back to the stores.
func (f *Factory) Save(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, kind := range rule.Kinds {
		errs = append(errs, f.save(ctx, kind))
	}
	return errors.Join(errs...)
}

// Watch reloads a kind whenever another writer changes it in either store.
func (f *Factory) Watch() {
	handle := func(changes []storage.Change) {
		for _, c := range changes {
			kind := rule.Kind(c.Key)
			if c.Silent || !kind.Valid() {
				continue
			}
			slog.Info("Stored rules changed", slog.String("kind", c.Key))
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			if err := f.Initialize(ctx, kind); err != nil {
				slog.Error("Reload rules", slog.String("kind", c.Key), slog.Any("error", err))
			}
			cancel()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, f.local.Subscribe(handle))
	if f.sync != f.local {
		f.cancels = append(f.cancels, f.sync.Subscribe(handle))
	}
}

// Close stops watching the stores and unregisters every rule.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
	for _, g := range f.registries {
		for _, r := range g.List() {
			r.Remove()
		}
	}
}
