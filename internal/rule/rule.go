// Package rule holds the user-defined rules that react to the traffic a host
// delivers. Every rule shares one lifecycle: it is created from a details
// map, registers its listeners with the host while enabled, and can be
// updated, toggled and removed at any time. What a rule does on an event is
// decided by its kind's Behavior.
package rule

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/sunbk201/ruleproxy/internal/statistics"
	"github.com/sunbk201/ruleproxy/internal/urlfilter"
)

const (
	FieldID               = "id"
	FieldName             = "name"
	FieldEnabled          = "enabled"
	FieldURLFilters       = "urlFilters"
	FieldOriginURLFilters = "originUrlFilters"
)

var commonFields = []string{FieldID, FieldName, FieldEnabled, FieldURLFilters, FieldOriginURLFilters}

func commonDefaults() map[string]any {
	return map[string]any{
		FieldName:             "",
		FieldEnabled:          true,
		FieldURLFilters:       []string{},
		FieldOriginURLFilters: []string{},
	}
}

type Rule struct {
	mu       sync.RWMutex
	id       string
	env      *Env
	registry *Registry
	behavior Behavior

	name            string
	enabled         bool
	urlFilter       *urlfilter.Filter
	originURLFilter *urlfilter.Filter

	active  bool
	removed bool
}

// New creates a rule of the registry's kind from details layered over the
// kind's defaults, adds it to the registry and registers its listeners if it
// is enabled. A missing id is generated.
func New(env *Env, registry *Registry, details map[string]any) (*Rule, error) {
	if env == nil || env.Host == nil {
		return nil, ErrNoHost
	}
	b, err := NewBehavior(registry.Kind())
	if err != nil {
		return nil, err
	}

	id := cast.ToString(details[FieldID])
	if id == "" {
		id = env.newID()
	}
	r := &Rule{
		id:       id,
		env:      env,
		registry: registry,
		behavior: b,
	}

	values := commonDefaults()
	maps.Copy(values, b.Defaults())
	maps.Copy(values, details)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.apply(values); err != nil {
		return nil, err
	}
	if err := registry.add(r); err != nil {
		return nil, err
	}
	r.reconcile(false)
	return r, nil
}

func (r *Rule) ID() string {
	return r.id
}

func (r *Rule) Kind() Kind {
	return r.behavior.Kind()
}

func (r *Rule) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Rule) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Active reports whether the rule's listeners are currently registered.
func (r *Rule) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Fields lists every field of the rule in storage order.
func (r *Rule) Fields() []string {
	return Fields(r.behavior.Kind())
}

// Fields lists the storage order of a kind's fields.
func Fields(kind Kind) []string {
	b, err := NewBehavior(kind)
	if err != nil {
		return nil
	}
	return slices.Concat(commonFields, b.Fields())
}

// Update applies the known fields of details. Unknown keys are ignored. When
// a change affects how the rule is registered, its listeners are removed and
// registered again. Fields with invalid values are skipped and reported in
// the returned error; the valid ones still apply.
func (r *Rule) Update(details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return ErrRemoved
	}
	restart, err := r.apply(details)
	r.reconcile(restart)
	return err
}

// Enable registers the rule's listeners. It is a no-op on an enabled rule.
func (r *Rule) Enable() error {
	return r.setEnabled(true)
}

// Disable removes the rule's listeners. It is a no-op on a disabled rule.
func (r *Rule) Disable() error {
	return r.setEnabled(false)
}

func (r *Rule) setEnabled(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return ErrRemoved
	}
	r.enabled = enabled
	r.reconcile(false)
	return nil
}

// Remove disables the rule and drops it from its registry. Later calls are
// no-ops.
func (r *Rule) Remove() {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return
	}
	r.deactivate()
	r.removed = true
	r.mu.Unlock()

	r.registry.delete(r.id)
	if r.env.Recorder != nil {
		r.env.Recorder.Hits.Forget(r.id)
	}
	slog.Debug("Rule removed", ruleAttr(r.Kind(), r.id, r.Name()))
}

// Details returns the current field values keyed by field name.
func (r *Rule) Details() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(commonFields)+len(r.behavior.Fields()))
	for _, field := range r.Fields() {
		out[field] = r.get(field)
	}
	return out
}

// Values returns the current field values in storage order.
func (r *Rule) Values() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fields := r.Fields()
	out := make([]any, len(fields))
	for i, field := range fields {
		out[i] = r.get(field)
	}
	return out
}

func (r *Rule) get(field string) any {
	switch field {
	case FieldID:
		return r.id
	case FieldName:
		return r.name
	case FieldEnabled:
		return r.enabled
	case FieldURLFilters:
		return nonNil(r.urlFilter.Sources())
	case FieldOriginURLFilters:
		return nonNil(r.originURLFilter.Sources())
	}
	v, _ := r.behavior.Get(field)
	return v
}

func (r *Rule) apply(details map[string]any) (restart bool, err error) {
	var errs []error
	for _, field := range r.Fields() {
		value, ok := details[field]
		if !ok {
			continue
		}
		changed, err := r.set(field, value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		restart = restart || changed
	}
	return restart, errors.Join(errs...)
}

func (r *Rule) set(field string, value any) (bool, error) {
	switch field {
	case FieldID:
		return false, nil
	case FieldName:
		name, err := cast.ToStringE(value)
		if err != nil {
			return false, err
		}
		r.name = name
		return false, nil
	case FieldEnabled:
		enabled, err := cast.ToBoolE(value)
		if err != nil {
			return false, err
		}
		r.enabled = enabled
		return false, nil
	case FieldURLFilters:
		list, err := toStrings(value)
		if err != nil {
			return false, err
		}
		f := urlfilter.Compile(list)
		changed := !f.Equal(r.urlFilter)
		r.urlFilter = f
		return changed, nil
	case FieldOriginURLFilters:
		list, err := toStrings(value)
		if err != nil {
			return false, err
		}
		r.originURLFilter = urlfilter.Compile(list)
		return false, nil
	}
	return r.behavior.Set(field, value)
}

// reconcile brings the registration in line with the enabled flag, first
// unregistering an active rule when restart is set.
func (r *Rule) reconcile(restart bool) {
	if restart {
		r.deactivate()
	}
	if r.enabled {
		r.activate()
	} else {
		r.deactivate()
	}
}

func (r *Rule) activate() {
	if r.active {
		return
	}
	r.behavior.Register(r)
	r.active = true
	slog.Debug("Rule registered", ruleAttr(r.behavior.Kind(), r.id, r.name))
}

func (r *Rule) deactivate() {
	if !r.active {
		return
	}
	r.behavior.Unregister(r)
	r.active = false
	slog.Debug("Rule unregistered", ruleAttr(r.behavior.Kind(), r.id, r.name))
}

func (r *Rule) recordHit(name, url, action string) {
	r.env.Recorder.RecordHit(&statistics.HitRecord{
		Kind:       string(r.behavior.Kind()),
		RuleID:     r.id,
		Name:       name,
		LastURL:    url,
		LastAction: action,
	})
}

func (r *Rule) LogValue() slog.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slog.GroupValue(
		slog.String("kind", string(r.behavior.Kind())),
		slog.String("id", r.id),
		slog.String("name", r.name),
		slog.Bool("enabled", r.enabled),
		slog.Any("url_filters", r.urlFilter),
	)
}

// toStrings accepts a list or a newline separated string.
func toStrings(value any) ([]string, error) {
	if s, ok := value.(string); ok {
		var out []string
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		return out, nil
	}
	if value == nil {
		return nil, nil
	}
	return cast.ToStringSliceE(value)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
