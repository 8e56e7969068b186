package main

import (
	"fmt"
	"strings"

	"github.com/kfsoftware/bims-ledger/cmd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	customFormatter := new(log.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	log.SetFormatter(customFormatter)

	viper.SetConfigName("bims_ledger")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("bims")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.AddConfigPath(".") // optionally look for config in the working directory
	cmd.SetDefaults(viper.GetViper())

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("Fatal error config file: %s \n", err))
		}
		log.Infof("No config file found, using defaults and environment")
	}
	log.SetLevel(log.DebugLevel)
	cmd.Execute()
}
