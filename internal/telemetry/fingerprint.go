package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is the immutable-for-session device record. Every field is
// best-effort: a probe that fails or is absent degrades to the documented
// default rather than aborting collection.
type Fingerprint struct {
	ScreenResolution string   `json:"screenResolution"` // "1920x1080", or "unknown"
	Timezone         string   `json:"timezone"`         // IANA name, or "unknown"
	UserAgent        string   `json:"userAgent"`
	Languages        []string `json:"languages"`
	GPURenderer      string   `json:"gpuRenderer,omitempty"` // absent if unavailable
	Platform         string   `json:"platform"`              // "unknown" if unavailable
	HardwareThreads  string   `json:"hardwareThreads"`       // logical processors, "unknown" if unavailable
	DeviceMemory     string   `json:"deviceMemory"`          // GB hint, "unknown" if unavailable
	TouchCapable     bool     `json:"touchCapable"`
	LikelyAutomated  bool     `json:"likelyAutomated"`
}

// Probe exposes the environment signal sources a fingerprint is built from.
// Implementations may return errors freely; every failing source degrades to
// its default. A nil Probe yields an all-defaults fingerprint.
type Probe interface {
	ScreenResolution() (string, error)
	Timezone() (string, error)
	UserAgent() (string, error)
	Languages() ([]string, error)
	GPURenderer() (string, error)
	Platform() (string, error)
	HardwareThreads() (string, error)
	DeviceMemory() (string, error)
	TouchCapable() (bool, error)

	// Automation indicators. Each is an independent cheap check; any single
	// true signal marks the environment as likely automated.
	WebDriverFlag() (bool, error)
	HasStorage() (bool, error)
	InjectedGlobals() ([]string, error)
}

// CollectFingerprint gathers all fingerprint fields from the probe,
// substituting defaults for anything that fails.
func CollectFingerprint(p Probe) Fingerprint {
	fp := Fingerprint{
		ScreenResolution: "unknown",
		Timezone:         "unknown",
		Platform:         "unknown",
		HardwareThreads:  "unknown",
		DeviceMemory:     "unknown",
	}
	if p == nil {
		fp.LikelyAutomated = automationIndicator(false, true, nil, nil)
		return fp
	}

	if v, err := p.ScreenResolution(); err == nil && v != "" {
		fp.ScreenResolution = v
	}
	if v, err := p.Timezone(); err == nil && v != "" {
		fp.Timezone = v
	}
	if v, err := p.UserAgent(); err == nil {
		fp.UserAgent = v
	}
	if v, err := p.Languages(); err == nil {
		fp.Languages = v
	}
	if v, err := p.GPURenderer(); err == nil {
		fp.GPURenderer = v
	}
	if v, err := p.Platform(); err == nil && v != "" {
		fp.Platform = v
	}
	if v, err := p.HardwareThreads(); err == nil && v != "" {
		fp.HardwareThreads = v
	}
	if v, err := p.DeviceMemory(); err == nil && v != "" {
		fp.DeviceMemory = v
	}
	if v, err := p.TouchCapable(); err == nil {
		fp.TouchCapable = v
	}

	webdriver := false
	if v, err := p.WebDriverFlag(); err == nil {
		webdriver = v
	}
	hasStorage := true
	if v, err := p.HasStorage(); err == nil {
		hasStorage = v
	}
	var globals []string
	if v, err := p.InjectedGlobals(); err == nil {
		globals = v
	}

	fp.LikelyAutomated = automationIndicator(webdriver, hasStorage, fp.Languages, globals)
	return fp
}

// automationIndicator ORs the independent environment heuristics. Advisory
// input to the risk scorer, not a hard block.
func automationIndicator(webdriver, hasStorage bool, languages, injectedGlobals []string) bool {
	if webdriver {
		return true
	}
	if !hasStorage {
		return true
	}
	if len(languages) == 0 {
		return true
	}
	return len(injectedGlobals) > 0
}

// Stable returns the canonical fingerprint material string: the stable
// entropy sources joined in a fixed order. The server recomputes the same
// material from request headers, so only header-derivable fields participate.
func (f Fingerprint) Stable() string {
	return StableMaterial(f.UserAgent, strings.Join(f.Languages, ","))
}

// Hash returns the one-way hash of the stable material. The raw material is
// never persisted.
func (f Fingerprint) Hash() string {
	return HashMaterial(f.UserAgent, strings.Join(f.Languages, ","))
}

// StableMaterial builds the canonical material string from the minimum
// header-derived fingerprint inputs.
func StableMaterial(userAgent, acceptLanguage string) string {
	return userAgent + "|" + acceptLanguage
}

// HashMaterial returns the hex SHA-256 of the canonical material. This is the
// only form that ever reaches the session store.
func HashMaterial(userAgent, acceptLanguage string) string {
	sum := sha256.Sum256([]byte(StableMaterial(userAgent, acceptLanguage)))
	return hex.EncodeToString(sum[:])
}
