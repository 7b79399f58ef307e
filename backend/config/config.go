package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// auth 服务地址；留空走本地 HS256 解析
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Presence struct {
		// 在线状态扫描周期 / 判离线阈值（秒），0 用默认 300
		SweepIntervalSeconds  int `mapstructure:"sweepIntervalSeconds"`
		StaleThresholdSeconds int `mapstructure:"staleThresholdSeconds"`
	} `mapstructure:"presence"`
}
