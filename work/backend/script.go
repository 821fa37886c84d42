package backend

import (
	"context"
	"strings"
	"time"

	"trackunblock/work/sandbox"
	"trackunblock/work/types"
)

// ScriptBackend runs a plugin script. The script is compiled once; each Match gets a
// fresh sandbox, so concurrent matches never share runtime state or trace hooks.
type ScriptBackend struct {
	id   string
	name string
	prog *sandbox.Program
	deps Deps
}

func compileScript(cfg types.SourceConfig) (*sandbox.Program, error) {
	prog, err := sandbox.Compile(cfg.Name, cfg.Params.Script)
	if err != nil {
		return nil, &ParseError{Source: cfg.Name, Reason: "script does not compile", Err: err}
	}
	return prog, nil
}

// InspectScript compiles src and returns its metadata, for imports.
func InspectScript(name, src string) (sandbox.Metadata, sandbox.Convention, error) {
	prog, err := compileScript(types.SourceConfig{Name: name, Params: types.SourceParams{Script: src}})
	if err != nil {
		return sandbox.Metadata{}, "", err
	}
	return prog.Metadata(), prog.Convention(), nil
}

// ScriptSource builds an enabled script source from src. An empty name falls back to
// the script's @name header, then to fallback.
func ScriptSource(name, fallback, src string) (types.SourceConfig, error) {
	name = strings.TrimSpace(name)
	meta, _, err := InspectScript(name, src)
	if err != nil {
		return types.SourceConfig{}, err
	}
	for _, candidate := range []string{meta.Name, strings.TrimSpace(fallback), "Imported script"} {
		if name != "" {
			break
		}
		name = candidate
	}
	return types.SourceConfig{
		Name:    name,
		Kind:    types.KindScript,
		Enabled: true,
		Params:  types.SourceParams{Script: src},
	}, nil
}

func (b *ScriptBackend) ID() string             { return b.id }
func (b *ScriptBackend) Name() string           { return b.name }
func (b *ScriptBackend) Kind() types.SourceKind { return types.KindScript }

func (b *ScriptBackend) Describe() []string {
	lines := []string{"Type: script", "Convention: " + string(b.prog.Convention())}
	meta := b.prog.Metadata()
	if meta.Name != "" {
		lines = append(lines, "Script name: "+meta.Name)
	}
	if meta.Version != "" {
		lines = append(lines, "Version: "+meta.Version)
	}
	if meta.Author != "" {
		lines = append(lines, "Author: "+meta.Author)
	}
	return lines
}

// Preview is empty: a script decides its own requests.
func (b *ScriptBackend) Preview(types.MatchRequest) string { return "" }

func (b *ScriptBackend) Match(ctx context.Context, req types.MatchRequest) (types.MatchResult, error) {
	opts := sandbox.Options{
		Client:       b.deps.Client,
		FetchTimeout: b.deps.FetchTimeout,
		RateLimit:    b.deps.RateLimit,
		MaxRequests:  b.deps.MaxRequests,
		TestMode:     IsTestMode(ctx),
		Trace:        TraceFunc(ctx),
	}

	budget := attemptBudget(ctx)
	if budget == 0 {
		if dl, ok := ctx.Deadline(); ok {
			budget = time.Until(dl)
		}
	}

	result, err := b.prog.Match(ctx, opts, req)
	if err != nil {
		return types.MatchResult{}, wrapScriptError(b.name, budget, err)
	}
	result.Source = b.name
	return result, nil
}
