package conf

import (
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	MongoDB    MongoConfig
	Acme       AcmeConfig
	Cloudflare CloudflareConfig
}

type ServerConfig struct {
	Port string
}

type MongoConfig struct {
	URI      string
	Database string
}

type AcmeConfig struct {
	// 主要 CA (Let's Encrypt)
	DirectoryURL string `mapstructure:"directory_url"`
	// 替代免費 CA (free_alt 類型走這裡)
	AltDirectoryURL string `mapstructure:"alt_directory_url"`
	// HTTP-01 挑戰檔寫入的 webroot
	HTTPWebroot string `mapstructure:"http_webroot"`
}

type CloudflareConfig struct {
	APIToken string `mapstructure:"api_token"`
}

const defaultDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"

func LoadConfig() (*Config, error) {
	viper.AddConfigPath("./config") // 設定檔路徑
	viper.SetConfigName("config")   // 檔名
	viper.SetConfigType("yaml")     // 格式

	viper.AutomaticEnv() // 允許讀取環境變數

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Acme.DirectoryURL == "" {
		cfg.Acme.DirectoryURL = defaultDirectoryURL
	}
	if cfg.Acme.HTTPWebroot == "" {
		cfg.Acme.HTTPWebroot = "/var/www/html"
	}

	log.Println("設定檔讀取成功")
	return &cfg, nil
}
