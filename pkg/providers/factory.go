package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

const (
	ProviderGroq       = "groq"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderEcho       = "echo"

	authModeAPIKey = "api_key"
	authModeNone   = "none"
)

type providerFactory struct {
	build              func(cfg *config.Config) (LLMProvider, error)
	validate           func(cfg *config.Config) error
	credentialStatusFn func(cfg *config.Config) (configured bool, mode string)
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func RegisterFactory(name string, build func(cfg *config.Config) (LLMProvider, error), validate func(cfg *config.Config) error, credentialStatusFn func(cfg *config.Config) (bool, string)) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required for %q", name))
		return
	}
	factories[name] = providerFactory{
		build:              build,
		validate:           validate,
		credentialStatusFn: credentialStatusFn,
	}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderGroq
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderGroq
	}
	return NormalizeProviderName(cfg.Provider.Name)
}

func ValidateProviderConfig(cfg *config.Config) error {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string, err error) {
	factory, name, err := getFactory(cfg)
	if err != nil {
		return "", false, "", err
	}
	provider = name
	if factory.credentialStatusFn != nil {
		configured, mode = factory.credentialStatusFn(cfg)
		return provider, configured, mode, nil
	}
	configured = factory.validate == nil || factory.validate(cfg) == nil
	return provider, configured, "", nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return nil, err
	}
	return factory.build(cfg)
}

func getFactory(cfg *config.Config) (providerFactory, string, error) {
	name := ActiveProviderName(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return providerFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return providerFactory{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, name, nil
}

// compatDefaults describes one OpenAI-compatible hosted backend.
type compatDefaults struct {
	name    string
	label   string
	apiBase string
	model   string
	envHint string
}

var compatBackends = []compatDefaults{
	{name: ProviderGroq, label: "Groq", apiBase: "https://api.groq.com/openai/v1", model: "llama3-8b-8192", envHint: "GroqAPIKey"},
	{name: ProviderOpenAI, label: "OpenAI", apiBase: "https://api.openai.com/v1", model: "gpt-3.5-turbo", envHint: "OPENAI_API_KEY"},
	{name: ProviderOpenRouter, label: "OpenRouter", apiBase: "https://openrouter.ai/api/v1", model: "openai/gpt-4o-mini", envHint: "DOTCHAT_PROVIDER_API_KEY"},
}

// BackendInfo describes one built-in OpenAI-compatible backend.
type BackendInfo struct {
	Name    string
	Label   string
	APIBase string
	Model   string
	EnvHint string
}

func Backends() []BackendInfo {
	out := make([]BackendInfo, 0, len(compatBackends))
	for _, b := range compatBackends {
		out = append(out, BackendInfo{Name: b.name, Label: b.label, APIBase: b.apiBase, Model: b.model, EnvHint: b.envHint})
	}
	return out
}

func init() {
	for _, backend := range compatBackends {
		backend := backend
		RegisterFactory(backend.name, backend.build, backend.validate, backend.credentialStatus)
	}
	RegisterFactory(ProviderEcho, func(cfg *config.Config) (LLMProvider, error) {
		return NewEchoProvider(), nil
	}, nil, func(cfg *config.Config) (bool, string) { return true, authModeNone })
}

func (b compatDefaults) validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.GetAPIKey()) == "" {
		return fmt.Errorf("%s API key is required (set provider.api_key, DOTCHAT_PROVIDER_API_KEY or %s)", b.label, b.envHint)
	}
	return nil
}

func (b compatDefaults) credentialStatus(cfg *config.Config) (bool, string) {
	if b.validate(cfg) != nil {
		return false, ""
	}
	return true, authModeAPIKey
}

func (b compatDefaults) build(cfg *config.Config) (LLMProvider, error) {
	if err := b.validate(cfg); err != nil {
		return nil, err
	}
	apiBase := strings.TrimSpace(cfg.Provider.APIBase)
	if apiBase == "" {
		apiBase = b.apiBase
	}
	model := strings.TrimSpace(cfg.Provider.Model)
	if model == "" {
		model = b.model
	}
	return newCompatProvider(b.name, compatOptions{
		apiKey:       cfg.GetAPIKey(),
		apiBase:      apiBase,
		defaultModel: model,
		proxy:        cfg.Provider.Proxy,
		timeout:      time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	})
}
