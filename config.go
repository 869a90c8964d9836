package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	User        string `yaml:"user"`
	Group       string `yaml:"group"`
	DatabaseURL string `yaml:"database_url"`

	BrowserProfilePath string `yaml:"browser_profile_path"`
	BrowserBin         string `yaml:"browser_bin"`
	UserAgent          string `yaml:"user_agent"`
	Language           string `yaml:"language"`
	Headless           bool   `yaml:"headless"`

	MaxBrowsers int `yaml:"max_browsers"`
	QueueSize   int `yaml:"queue_size"`

	MailServer  string        `yaml:"mail_server"`
	MailTimeout time.Duration `yaml:"mail_timeout"`

	TimeServers []string `yaml:"time_servers"`

	LedgerRetry Policy      `yaml:"ledger_retry"`
	OTP         OtpTiming   `yaml:"otp"`
	Login       LoginTiming `yaml:"login"`

	LogDir    string `yaml:"log_dir"`
	DebugMode bool   `yaml:"debug_mode"`

	Selectors SelectorConfig `yaml:"selectors"`
}

type SelectorConfig struct {
	Ozon   OzonSelectors   `yaml:"ozon"`
	WB     WBSelectors     `yaml:"wb"`
	Yandex YandexSelectors `yaml:"yandex"`
}

type OzonSelectors struct {
	CredentialSettings string `yaml:"credential_settings"`
	Buttons            string `yaml:"buttons"`
	EmailInput         string `yaml:"email_input"`
	CodeInput          string `yaml:"code_input"`
	CabinetMarker      string `yaml:"cabinet_marker"`
	EmailSubject       string `yaml:"email_subject"`
}

type WBSelectors struct {
	PhoneInput  string `yaml:"phone_input"`
	SubmitPhone string `yaml:"submit_phone"`
	ErrorBanner string `yaml:"error_banner"`
	CodeCells   string `yaml:"code_cells"`
}

type YandexSelectors struct {
	LoginInput    string `yaml:"login_input"`
	SignIn        string `yaml:"sign_in"`
	PasswordInput string `yaml:"password_input"`
	SendCode      string `yaml:"send_code"`
	CodeInput     string `yaml:"code_input"`
	IDHost        string `yaml:"id_host"`
}

// envOverrides are deployment values that take precedence over config.yaml.
type envOverrides struct {
	DatabaseURL string `envconfig:"DATABASE_URL"`
	User        string `envconfig:"MARKET_USER"`
	Group       string `envconfig:"MARKET_GROUP"`
	MailServer  string `envconfig:"MARKET_MAIL_SERVER"`
	ProfilePath string `envconfig:"MARKET_PROFILE_PATH"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		Group:              "all",
		BrowserProfilePath: filepath.Join(userDataDir, "profiles"),
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Language:           "ru-RU",
		Headless:           false,
		MaxBrowsers:        4,
		QueueSize:          32,
		MailServer:         "imap.yandex.com:993",
		MailTimeout:        30 * time.Second,
		LedgerRetry:        Policy{Attempts: 3, Interval: 5 * time.Second},
		OTP:                DefaultOtpTiming(),
		Login:              DefaultLoginTiming(),
		LogDir:             filepath.Join(userDataDir, "log"),
		DebugMode:          false,
		Selectors: SelectorConfig{
			Ozon: OzonSelectors{
				CredentialSettings: "h2[qa-id='ozonIdCredentialSettingsTitle']",
				Buttons:            ".content button",
				EmailInput:         "#email",
				CodeInput:          "input[type='number']",
				CabinetMarker:      ".csma-ozon-id-page",
				EmailSubject:       "Подтверждение учетных данных Ozon",
			},
			WB: WBSelectors{
				PhoneInput:  "input[data-testid='phone-input']",
				SubmitPhone: "button[data-testid='submit-phone-button']",
				ErrorBanner: "span[data-testid='error-text']",
				CodeCells:   "input[data-testid='sms-code-input']",
			},
			Yandex: YandexSelectors{
				LoginInput:    "#passp-field-login",
				SignIn:        "[id='passp:sign-in']",
				PasswordInput: "#passp-field-passwd",
				SendCode:      "button[data-t='button:action']",
				CodeInput:     "#passp-field-phoneCode",
				IDHost:        "https://id.yandex.ru",
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if config.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	if env.DatabaseURL != "" {
		c.DatabaseURL = env.DatabaseURL
	}
	if env.User != "" {
		c.User = env.User
	}
	if env.Group != "" {
		c.Group = env.Group
	}
	if env.MailServer != "" {
		c.MailServer = env.MailServer
	}
	if env.ProfilePath != "" {
		c.BrowserProfilePath = env.ProfilePath
	}
	return nil
}

// ProfileDir is where the browser bound to key keeps its cookies.
func (c *Config) ProfileDir(key IdentityKey) string {
	return filepath.Join(c.BrowserProfilePath, key.String())
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
