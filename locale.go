package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed lang/*.yaml
var langFS embed.FS

type Locale struct {
	translations map[string]string
	locale       string
}

var (
	globalLocale *Locale
	localeMu     sync.RWMutex
)

// InitLocale initializes the global locale system
func InitLocale() error {
	locale := DetectSystemLocale()

	l, err := LoadLocale(locale)
	if err != nil {
		log.Warn().Err(err).Str("locale", locale).Msg("failed to load locale, falling back to en_US")
		l, err = LoadLocale("en_US")
		if err != nil {
			return fmt.Errorf("failed to load fallback locale en_US: %w", err)
		}
	}

	setLocale(l)
	return nil
}

func setLocale(l *Locale) {
	localeMu.Lock()
	globalLocale = l
	localeMu.Unlock()
}

// currentLocale returns the active locale, loading the embedded en_US one
// when InitLocale was never called.
func currentLocale() *Locale {
	localeMu.RLock()
	l := globalLocale
	localeMu.RUnlock()
	if l != nil {
		return l
	}

	l, err := LoadLocale("en_US")
	if err != nil {
		return nil
	}
	localeMu.Lock()
	if globalLocale == nil {
		globalLocale = l
	}
	l = globalLocale
	localeMu.Unlock()
	return l
}

// DetectSystemLocale detects the user's system locale
func DetectSystemLocale() string {
	for _, env := range []string{"LANG", "LC_ALL", "LC_MESSAGES"} {
		// values look like "en_US.UTF-8" or "ru_RU.UTF-8"
		if v := os.Getenv(env); v != "" {
			if code := strings.Split(v, ".")[0]; code != "" {
				return code
			}
		}
	}

	if runtime.GOOS == "windows" {
		if v := os.Getenv("LANG"); v != "" {
			return v
		}
	}

	return "en_US"
}

// LoadLocale loads lang/<locale>.yaml from next to the executable, or the
// copy built into the binary.
func LoadLocale(locale string) (*Locale, error) {
	data, err := readLocaleFile(locale)
	if err != nil {
		return nil, err
	}

	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse locale %s: %w", locale, err)
	}

	return &Locale{
		translations: translations,
		locale:       locale,
	}, nil
}

func readLocaleFile(locale string) ([]byte, error) {
	name := locale + ".yaml"
	if exePath, err := os.Executable(); err == nil {
		if data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), "lang", name)); err == nil {
			return data, nil
		}
	}
	data, err := langFS.ReadFile("lang/" + name)
	if err != nil {
		return nil, fmt.Errorf("no locale file for %s: %w", locale, err)
	}
	return data, nil
}

// T translates a key with optional parameters
// Usage: T("launch_opened", "Ozon", "Acme") => "Opened Ozon Acme"
func T(key string, params ...interface{}) string {
	l := currentLocale()
	if l == nil {
		return key
	}

	translation, ok := l.translations[key]
	if !ok {
		return key
	}

	if len(params) > 0 {
		return fmt.Sprintf(translation, params...)
	}

	return translation
}

// GetLocale returns the current locale code (e.g., "en_US", "ru_RU")
func GetLocale() string {
	l := currentLocale()
	if l == nil {
		return "en_US"
	}
	return l.locale
}
