// Package catalog is the Provider Directory: static per-vendor descriptors
// loaded from an embedded YAML file, optionally replaced by a file on disk.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	KindPassthrough = "passthrough"
	KindTranslation = "translation"

	FormatSecret = "secret"

	providersFileEnv = "GATEWAY_PROVIDERS_FILE"
)

//go:embed providers.yaml
var embeddedProviders []byte

var providerIDRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	Kind              string            `yaml:"kind"`
	Enabled           *bool             `yaml:"enabled"`
	DefaultModel      string            `yaml:"default_model"`
	BaseURL           string            `yaml:"base_url"`
	Logo              string            `yaml:"logo"`
	ResponseHeaderMap map[string]string `yaml:"response_header_map"`
	Connection        ConnectionSchema  `yaml:"connection"`
}

// ConnectionSchema describes the config form of a connection for this vendor.
type ConnectionSchema struct {
	Title      string               `yaml:"title" json:"title"`
	Required   []string             `yaml:"required" json:"required"`
	Properties []ConnectionProperty `yaml:"properties" json:"properties"`
}

type ConnectionProperty struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Format      string `yaml:"format" json:"format,omitempty"`
	Title       string `yaml:"title" json:"title"`
	Placeholder string `yaml:"placeholder" json:"placeholder,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type ProviderInfo struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Kind              string            `json:"kind"`
	Enabled           bool              `json:"enabled"`
	DefaultModel      string            `json:"defaultModel"`
	BaseURL           string            `json:"baseUrl,omitempty"`
	Logo              string            `json:"logo,omitempty"`
	ResponseHeaderMap map[string]string `json:"responseHeaderMap,omitempty"`
	Connection        ConnectionSchema  `json:"connection"`
	BaseURLEnv        string            `json:"baseUrlEnv,omitempty"`
}

var (
	stateMu      sync.RWMutex
	initialized  bool
	providerByID map[string]ProviderInfo
	providerList []string
)

// Init loads descriptors from path, or from GATEWAY_PROVIDERS_FILE, or the
// embedded defaults. On a load error the embedded defaults stay in effect.
func Init(path string) error {
	providers, err := loadProviders(path)

	stateMu.Lock()
	defer stateMu.Unlock()

	providerByID = make(map[string]ProviderInfo, len(providers))
	providerList = providerList[:0]
	for _, p := range providers {
		providerByID[p.ID] = p
		providerList = append(providerList, p.ID)
	}
	initialized = true
	return err
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if ok {
		return
	}
	_ = Init("")
}

// ResetForTest resets in-memory state so tests can force reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	providerByID = nil
	providerList = nil
}

// GetProviders returns every known provider ordered by ID.
func GetProviders() []ProviderInfo {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	result := make([]ProviderInfo, 0, len(providerList))
	for _, id := range providerList {
		if entry, ok := providerByID[id]; ok {
			result = append(result, cloneInfo(entry))
		}
	}
	return result
}

// GetProvider returns provider metadata by ID.
func GetProvider(id string) (ProviderInfo, bool) {
	ensureInitialized()

	stateMu.RLock()
	defer stateMu.RUnlock()

	entry, ok := providerByID[normalizeProviderID(id)]
	if !ok {
		return ProviderInfo{}, false
	}
	return cloneInfo(entry), true
}

// ValidateConnectionConfig checks that every required field of the vendor's
// connection schema is present and non-empty. Dotted names address nested maps.
func ValidateConnectionConfig(providerID string, cfg map[string]any) error {
	info, ok := GetProvider(providerID)
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	var missing []string
	for _, field := range info.Connection.Required {
		v, ok := lookup(cfg, field)
		if !ok || v == nil || fmt.Sprint(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s connection config is missing %s", info.ID, strings.Join(missing, ", "))
	}
	return nil
}

// SecretFields lists the connection properties that must never be returned unmasked.
func SecretFields(providerID string) []string {
	info, ok := GetProvider(providerID)
	if !ok {
		return nil
	}
	var fields []string
	for _, p := range info.Connection.Properties {
		if p.Format == FormatSecret {
			fields = append(fields, p.Name)
		}
	}
	return fields
}

func lookup(cfg map[string]any, path string) (any, bool) {
	var cur any = cfg
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func loadProviders(path string) ([]ProviderInfo, error) {
	defaults, err := parseProviders(embeddedProviders, "embedded")
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(providersFileEnv))
	}
	cfgProviders := defaults
	var loadErr error
	if path != "" {
		fromFile, err := readProvidersFile(path)
		if err != nil {
			loadErr = err
		} else if len(fromFile) > 0 {
			cfgProviders = fromFile
		}
	}

	providers := make([]ProviderInfo, 0, len(cfgProviders))
	for _, cfg := range cfgProviders {
		if info, ok := normalizeConfig(cfg); ok {
			providers = append(providers, info)
		}
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].ID < providers[j].ID
	})
	return providers, loadErr
}

func readProvidersFile(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}
	return parseProviders(data, path)
}

func parseProviders(data []byte, source string) ([]ProviderConfig, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %q: %w", source, err)
	}
	return cfg.Providers, nil
}

func normalizeConfig(cfg ProviderConfig) (ProviderInfo, bool) {
	id := normalizeProviderID(cfg.ID)
	if !providerIDRegexp.MatchString(id) {
		return ProviderInfo{}, false
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = KindPassthrough
	}

	baseURLEnv := providerEnvName(id, "BASE_URL")
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if v := strings.TrimSpace(os.Getenv(baseURLEnv)); v != "" {
		baseURL = v
	}

	headerMap := make(map[string]string, len(cfg.ResponseHeaderMap))
	for k, v := range cfg.ResponseHeaderMap {
		headerMap[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}

	return ProviderInfo{
		ID:                id,
		Name:              cfg.Name,
		Description:       cfg.Description,
		Kind:              kind,
		Enabled:           enabled,
		DefaultModel:      strings.TrimSpace(cfg.DefaultModel),
		BaseURL:           strings.TrimRight(baseURL, "/"),
		Logo:              cfg.Logo,
		ResponseHeaderMap: headerMap,
		Connection:        cfg.Connection,
		BaseURLEnv:        baseURLEnv,
	}, true
}

func cloneInfo(info ProviderInfo) ProviderInfo {
	if len(info.ResponseHeaderMap) > 0 {
		cp := make(map[string]string, len(info.ResponseHeaderMap))
		for k, v := range info.ResponseHeaderMap {
			cp[k] = v
		}
		info.ResponseHeaderMap = cp
	}
	info.Connection.Required = append([]string(nil), info.Connection.Required...)
	info.Connection.Properties = append([]ConnectionProperty(nil), info.Connection.Properties...)
	return info
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func providerEnvName(id, suffix string) string {
	upper := strings.ToUpper(id)
	replacer := strings.NewReplacer("-", "_", ".", "_", "/", "_", " ", "_")
	upper = replacer.Replace(upper)
	return fmt.Sprintf("GATEWAY_%s_%s", upper, suffix)
}
