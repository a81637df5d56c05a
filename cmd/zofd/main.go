/*
 * Zof - An OpenFlow Controller Framework
 *
 * Copyright (C) 2019 William W. Fisher <william.w.fisher@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/byllyfish/zof/api"
	"github.com/byllyfish/zof/driver"
	"github.com/byllyfish/zof/network"
	"github.com/byllyfish/zof/northbound"

	"github.com/fsnotify/fsnotify"
	"github.com/op/go-logging"
	"github.com/spf13/viper"
)

const (
	programName     = "zofd"
	programVersion  = "0.9.0"
	defaultLogLevel = logging.INFO
)

var (
	logger            = logging.MustGetLogger("main")
	showVersion       = flag.Bool("version", false, "Show program version and exit")
	defaultConfigFile = flag.String("config", fmt.Sprintf("/usr/local/etc/%v.yaml", programName), "absolute path of the configuration file")
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	flag.Parse()
	if *showVersion {
		fmt.Printf("Version: %v\n", programVersion)
		os.Exit(0)
	}

	if err := loadConfig(*defaultConfigFile); err != nil {
		logger.Fatalf("failed to load the configuration: %v", err)
	}
	logs, err := setupLogging()
	if err != nil {
		logger.Fatalf("failed to init log: %v", err)
	}
	logs.watch()

	controller, err := network.New(controllerConfig(), createAppManager())
	if err != nil {
		logger.Fatalf("failed to create the controller: %v", err)
	}
	initAPIServer(controller)
	initStatusDump(controller)

	err = controller.Run(context.Background())
	switch err.(type) {
	case nil:
		logger.Info("clean shutdown")
	case *driver.StartupError, *network.StartupError:
		logger.Errorf("startup failed: %v", err)
		os.Exit(1)
	default:
		logger.Errorf("controller terminated: %v", err)
		os.Exit(2)
	}
}

func loadConfig(path string) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return err
	}

	return validateConfig()
}

func validateConfig() error {
	if len(viper.GetString("default.log_level")) == 0 {
		return fmt.Errorf("invalid default.log_level")
	}
	for _, v := range viper.GetIntSlice("default.versions") {
		if v < 1 || v > 6 {
			return fmt.Errorf("invalid OpenFlow version in default.versions: %v", v)
		}
	}
	if viper.GetBool("rest.enabled") {
		if port := viper.GetInt("rest.port"); port <= 0 || port > 0xFFFF {
			return fmt.Errorf("invalid rest.port")
		}
	}

	return nil
}

// logControl owns the leveled syslog backend and keeps its threshold in
// sync with the default.log_level config key.
type logControl struct {
	leveled logging.LeveledBackend
}

func setupLogging() (*logControl, error) {
	backend, err := newSyslogBackend(programName)
	if err != nil {
		return nil, err
	}
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(`%{level}: %{shortpkg}.%{shortfunc}: %{message}`))

	ctl := &logControl{leveled: logging.AddModuleLevel(formatted)}
	ctl.apply()
	logging.SetBackend(ctl.leveled)

	return ctl, nil
}

// apply sets the configured threshold on every module.
func (r *logControl) apply() {
	r.leveled.SetLevel(configuredLevel(), "")
}

// watch re-applies the threshold each time the config file is rewritten on
// disk. Create/rename events are skipped: editors fire them before the new
// content is in place.
func (r *logControl) watch() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write == 0 {
			return
		}
		r.apply()
	})
	viper.WatchConfig()
}

// configuredLevel resolves the log threshold: ZOFDEBUG trumps the config
// file, and an unparsable level falls back to the default.
func configuredLevel() logging.Level {
	if os.Getenv("ZOFDEBUG") != "" {
		return logging.DEBUG
	}

	name := strings.ToUpper(viper.GetString("default.log_level"))
	level, err := logging.LogLevel(name)
	if err != nil {
		logger.Infof("unknown default.log_level %q, using %v", name, defaultLogLevel)
		return defaultLogLevel
	}

	return level
}

func controllerConfig() network.Config {
	return network.Config{
		ListenEndpoints: viper.GetStringSlice("default.listen"),
		ListenVersions:  viper.GetIntSlice("default.versions"),
		TLSCert:         viper.GetString("tls.cert"),
		TLSPrivKey:      viper.GetString("tls.privkey"),
		TLSCACert:       viper.GetString("tls.cacert"),
		HelperPath:      viper.GetString("default.oftr_path"),
		HelperArgs:      viper.GetStringSlice("default.oftr_args"),
		RPCTimeout:      time.Duration(viper.GetInt("default.rpc_timeout")) * time.Second,
		ShutdownGrace:   time.Duration(viper.GetInt("default.shutdown_grace")) * time.Second,
	}
}

func createAppManager() *northbound.Manager {
	manager := northbound.NewManager()
	for _, name := range strings.Split(viper.GetString("default.applications"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := manager.Enable(name); err != nil {
			logger.Fatalf("failed to enable %v: %v", name, err)
		}
	}

	return manager
}

func initAPIServer(controller *network.Controller) {
	if !viper.GetBool("rest.enabled") {
		return
	}

	server := &api.Server{
		Port:       uint16(viper.GetInt("rest.port")),
		Controller: controller,
	}
	server.TLS.Cert = viper.GetString("rest.cert_file")
	server.TLS.Key = viper.GetString("rest.key_file")

	go func() {
		if err := server.Serve(); err != nil {
			logger.Errorf("failed to run the API server: %v", err)
		}
	}()
}

// initStatusDump prints the connected datapaths on SIGHUP.
func initStatusDump(controller *network.Controller) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)

	go func() {
		for range c {
			fmt.Println("* Connected datapaths:")
			for _, dp := range controller.Datapaths() {
				fmt.Printf("  %v endpoint=%v version=%v\n", dp, dp.Endpoint(), dp.Version())
			}
		}
	}()
}
