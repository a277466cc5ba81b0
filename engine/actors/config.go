package actors

import (
	"os"

	"github.com/spf13/viper"
	"cloakroom/engine/library"
)

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	config.SetDefault("rootDir", homeDir+"/cloakroom/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		library.LogCLI(err.Error(), 4)
	}
	config.SetDefault("firstRun", true)
	config.SetDefault("logLevel", 4)
	config.SetDefault("relays", []string{"wss://relay.damus.io", "wss://nos.lol"})

	// delivery
	config.SetDefault("powEnabled", true)
	config.SetDefault("powBudgetSeconds", 5)

	// media
	config.SetDefault("inlineLimitBytes", 262144)
	config.SetDefault("autoResolve", true)
	config.SetDefault("mediaURL", "")
	config.SetDefault("mediaToken", "")

	initRootDir(config)
	library.Touch(config.GetString("rootDir") + "config.yaml")
	err = config.WriteConfig()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.Mkdir(conf.GetString("rootDir"), 0755)
		if err != nil {
			library.LogCLI(err, 0)
		}
	}
}
