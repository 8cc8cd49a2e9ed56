package policyopa

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/infra/crypto"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

const submissionQuery = "data.consentbridge.submission.result"

//go:embed policy/*.rego
var defaultPolicy embed.FS

// Engine evaluates submission policy. Policies may only call deterministic
// builtins; anything touching time, randomness or the network is rejected at
// load time.
type Engine struct {
	query      rego.PreparedEvalQuery
	policyHash string
}

// NewEngine loads the policy at path, which may be a single .rego file or a
// directory of them. An empty path selects the built-in policy.
func NewEngine(ctx context.Context, path string) (*Engine, error) {
	modules, err := loadModules(path)
	if err != nil {
		return nil, err
	}
	hash, err := policyHash(modules)
	if err != nil {
		return nil, err
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	options := []func(*rego.Rego){
		rego.Query(submissionQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}
	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare submission policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Engine{query: prepared, policyHash: hash}, nil
}

// PolicyHash identifies the loaded policy source.
func (e *Engine) PolicyHash() string {
	return e.policyHash
}

func (e *Engine) EvaluateSubmission(ctx context.Context, input domain.SubmissionPolicyInput) (domain.PolicyResult, error) {
	if e == nil {
		return domain.PolicyResult{}, errors.New("policy engine is nil")
	}
	if input.Scopes == nil {
		input.Scopes = []string{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return domain.PolicyResult{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyResult{}, errors.New("empty policy result")
	}
	result, err := decodePolicyResult(results[0].Expressions[0].Value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
	return result, nil
}

func decodePolicyResult(value any) (domain.PolicyResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	var result domain.PolicyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return domain.PolicyResult{}, err
	}
	return result, nil
}

func loadModules(path string) (map[string]string, error) {
	if path == "" {
		sub, err := fs.Sub(defaultPolicy, "policy")
		if err != nil {
			return nil, err
		}
		return readModules(sub)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	if info.IsDir() {
		return readModules(os.DirFS(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]string{filepath.Base(path): string(data)}, nil
}

func readModules(fsys fs.FS) (map[string]string, error) {
	modules := make(map[string]string)
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".rego") {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		modules[filepath.ToSlash(path)] = string(data)
		return nil
	})
	return modules, err
}

type policyHashFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// policyHash digests every loaded module, sorted by path.
func policyHash(modules map[string]string) (string, error) {
	if len(modules) == 0 {
		return "", errors.New("policy path contains no .rego files")
	}
	files := make([]policyHashFile, 0, len(modules))
	for path, src := range modules {
		files = append(files, policyHashFile{Path: path, SHA256: sha256Hex([]byte(src))})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	canonical, err := crypto.CanonicalizeAny(map[string]any{"files": files})
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}

var _ usecase.PolicyEngine = (*Engine)(nil)
