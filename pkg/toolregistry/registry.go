package toolregistry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/sleuth/internal/observability"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputChars = 64 * 1024
)

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Config configures a Registry.
type Config struct {
	DefaultTimeout time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxOutputChars int           `json:"max_output_chars" mapstructure:"max_output_chars"`
}

type registeredTool struct {
	def       ToolDefinition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

// Registry maps plugin ids to tool definitions.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	cfg    Config
	logger zerolog.Logger
}

// New creates an empty Registry.
func New(cfg Config, logger zerolog.Logger) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = defaultMaxOutputChars
	}
	return &Registry{
		tools:  make(map[string]*registeredTool),
		cfg:    cfg,
		logger: logger.With().Str("component", "toolregistry").Logger(),
	}
}

// Register adds a tool. Registering an id twice returns ErrDuplicateTool.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchema(def.Parameters)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.ID)
	}
	r.tools[def.ID] = &registeredTool{def: def, schemaMap: schemaMap, schema: schema}

	r.logger.Info().Str("tool", def.ID).Msg("Tool registered")
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(def ToolDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// List returns every registered tool spec in no particular order.
func (r *Registry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{
			ID:          t.def.ID,
			Description: t.def.Description,
			Parameters:  append([]Parameter(nil), t.def.Parameters...),
			InputSchema: t.schemaMap,
		})
	}
	return specs
}

// FormatForPrompt renders the registered tools as a stable, id-sorted list
// suitable for inclusion in a planning prompt.
func (r *Registry) FormatForPrompt() string {
	specs := r.List()
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })

	var b strings.Builder
	for _, s := range specs {
		fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
		for _, p := range s.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    * %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return b.String()
}

// Execute runs call against its registered handler. An unregistered plugin
// id yields an *UnknownToolError. Handler errors, panics and timeouts are
// returned as errors; an expected failure reported by the handler comes
// back as a StatusError result with a nil error.
func (r *Registry) Execute(ctx context.Context, call ToolCall, execCtx ExecutionContext) (ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.PluginID]
	r.mu.RUnlock()

	if !ok {
		return ToolResult{}, &UnknownToolError{PluginID: call.PluginID}
	}

	if err := validateArgs(tool.schema, call.Args); err != nil {
		observability.RecordToolExecution(call.PluginID, 0, string(StatusError))
		return ToolResult{}, fmt.Errorf("%w for %s: %v", ErrInvalidArgs, call.PluginID, err)
	}

	timeout := r.cfg.DefaultTimeout
	if tool.def.Timeout > 0 {
		timeout = tool.def.Timeout
	}
	if execCtx.Timeout > 0 && execCtx.Timeout < timeout {
		timeout = execCtx.Timeout
	}

	start := time.Now()
	result, err := r.invoke(ctx, tool.def.Handler, call, execCtx, timeout)
	duration := time.Since(start)

	if err != nil {
		observability.RecordToolExecution(call.PluginID, duration, string(StatusError))
		r.logger.Error().
			Str("tool", call.PluginID).
			Str("step_id", call.StepID).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		return ToolResult{}, err
	}

	if result.Call.PluginID == "" {
		result.Call = call
	}
	if result.Status == "" {
		result.Status = StatusSuccess
	}
	result.RawOutput = r.truncateOutput(call.PluginID, result.RawOutput)

	observability.RecordToolExecution(call.PluginID, duration, string(result.Status))
	r.logger.Debug().
		Str("tool", call.PluginID).
		Str("step_id", call.StepID).
		Str("status", string(result.Status)).
		Dur("duration", duration).
		Msg("Tool execution completed")

	return result, nil
}

type handlerOutcome struct {
	result ToolResult
	err    error
}

func (r *Registry) invoke(ctx context.Context, handler Handler, call ToolCall, execCtx ExecutionContext, timeout time.Duration) (ToolResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("tool", call.PluginID).
					Str("stack", string(debug.Stack())).
					Msg("Tool handler panicked")
				done <- handlerOutcome{err: fmt.Errorf("tool %s panicked: %v", call.PluginID, rec)}
			}
		}()
		res, err := handler(timeoutCtx, call, execCtx)
		done <- handlerOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ToolResult{}, fmt.Errorf("tool %s cancelled: %w", call.PluginID, ctx.Err())
		}
		return ToolResult{}, fmt.Errorf("tool %s execution timeout after %v", call.PluginID, timeout)
	}
}

func (r *Registry) truncateOutput(tool string, output interface{}) interface{} {
	s, ok := output.(string)
	if !ok {
		return output
	}
	n := utf8.RuneCountInString(s)
	if n <= r.cfg.MaxOutputChars {
		return output
	}
	r.logger.Warn().
		Str("tool", tool).
		Int("original", n).
		Int("truncated", r.cfg.MaxOutputChars).
		Msg("Output truncated")
	return string([]rune(s)[:r.cfg.MaxOutputChars]) + "\n... [output truncated]"
}

func validateDefinition(def ToolDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("tool id cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	return nil
}

func buildSchema(params []Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, p := range params {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
