// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/TheThingsNetwork/amqp-core/connection"
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
	yaml "gopkg.in/yaml.v2"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "amqp_core"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Println("Error when reading config file:", err)
		} else {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
			viper.WatchConfig()
			viper.OnConfigChange(configChanged)
		}
	}
	viper.BindEnv("debug")
}

// configChanged only applies the log level; connection settings are read once at startup
func configChanged(e fsnotify.Event) {
	if ctx == nil {
		return
	}
	ctx.Level = logLevel()
	ctx.WithField("File", e.Name).WithField("Op", e.Op.String()).Info("Config file changed")
}

func logLevel() log.Level {
	if config.GetBool("debug") {
		return log.DebugLevel
	}
	return log.InfoLevel
}

var config = viper.GetViper()

// connectionConfig builds the connection configuration from flags, environment and config file.
// The url setting takes precedence over host, port, username, password and vhost.
func connectionConfig() (connection.Config, error) {
	c := connection.DefaultConfig()
	if url := config.GetString("url"); url != "" {
		uri, err := amqp.ParseURI(url)
		if err != nil {
			return c, errors.Wrap(err, "invalid url")
		}
		c.Host, c.Port = uri.Host, uri.Port
		c.Username, c.Password = uri.Username, uri.Password
		c.VHost = uri.Vhost
		if uri.Scheme == "amqps" {
			c.TLSConfig = &tls.Config{ServerName: uri.Host}
		}
	} else {
		c.Host = config.GetString("host")
		c.Port = config.GetInt("port")
		c.Username = config.GetString("username")
		c.Password = config.GetString("password")
		c.VHost = config.GetString("vhost")
	}
	c.MaxConnectionAttempts = config.GetInt("max-connection-attempts")
	c.ReconnectWaitTime = config.GetDuration("reconnect-wait-time")
	c.ChannelMax = config.GetInt("channel-max")
	c.FrameMax = uint32(config.GetInt("frame-max"))
	c.Heartbeat = uint16(config.GetInt("heartbeat"))

	if rootCAFile := config.GetString("root-ca-file"); rootCAFile != "" {
		roots, err := ioutil.ReadFile(rootCAFile)
		if err != nil {
			return c, errors.Wrap(err, "could not load Root CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(roots) {
			return c, errors.Errorf("no certificates in %s", rootCAFile)
		}
		if c.TLSConfig == nil {
			c.TLSConfig = &tls.Config{ServerName: c.Host}
		}
		c.TLSConfig.RootCAs = pool
	}
	if certFile, keyFile := config.GetString("cert-file"), config.GetString("key-file"); certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return c, errors.Wrap(err, "could not load client certificate")
		}
		if c.TLSConfig == nil {
			c.TLSConfig = &tls.Config{ServerName: c.Host}
		}
		c.TLSConfig.Certificates = []tls.Certificate{cert}
	}
	return c, nil
}

// ConfigCmd prints the effective configuration
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		settings := config.AllSettings()
		for _, secret := range []string{"password", "redis-password"} {
			if v, ok := settings[secret]; ok && v != "" {
				settings[secret] = "********"
			}
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			ctx.WithError(err).Fatal("Could not marshal config")
		}
		fmt.Print(string(out))
	},
}
