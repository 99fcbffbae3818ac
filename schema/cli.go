package schema

type Config struct {
	Mysql      string `yaml:"mysql"`
	Sqlite     string `yaml:"sqlite"`
	BoltDir    string `yaml:"boltDir"`
	MongoUri   string `yaml:"mongoUri"`
	Port       string `yaml:"port"`
	KafkaUri   string `yaml:"kafkaUri"`
	SentryDsn  string `yaml:"sentryDsn"`
	DefaultNet string `yaml:"defaultNetwork"`

	Networks map[string]Network `yaml:"networks"`
}

type Network struct {
	Rpc        string `yaml:"rpc" json:"rpc"`
	Contract   string `yaml:"contract" json:"contract"`
	StartBlock uint64 `yaml:"startBlock" json:"startBlock"`
}
