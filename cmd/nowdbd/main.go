// nowdbd is the NoWDB server daemon.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/toschoo/nowdb/pkg/log"
	"github.com/toschoo/nowdb/pkg/metrics"
	"github.com/toschoo/nowdb/pkg/svc"
)

// Version is set via ldflags during build.
var Version = "dev"

// fileConfig is the optional YAML server configuration; flags win
// over file values.
type fileConfig struct {
	Base        string `yaml:"base"`
	Port        string `yaml:"port"`
	Bind        string `yaml:"bind"`
	Connections int    `yaml:"connections"`
	MetricsAddr string `yaml:"metrics"`
}

var flags struct {
	base    string
	port    string
	bind    string
	conns   int
	lua     bool
	python  bool
	timing  bool
	quiet   bool
	noBnnr  bool
	version bool
	config  string
}

var rootCmd = &cobra.Command{
	Use:          "nowdbd",
	Short:        "NoWDB server daemon",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.base, "base", "b", "./nowdb", "base path for databases")
	f.StringVarP(&flags.port, "port", "p", "55505", "port or service name")
	f.StringVarP(&flags.bind, "serv", "s", "127.0.0.1", "bind address")
	f.IntVarP(&flags.conns, "connections", "c", 64, "maximum connections")
	f.BoolVarP(&flags.lua, "lua", "l", false, "enable the Lua host")
	f.BoolVarP(&flags.python, "python", "y", false, "enable the Python host")
	f.BoolVarP(&flags.timing, "timing", "t", false, "report statement runtimes")
	f.BoolVarP(&flags.quiet, "quiet", "q", false, "log errors only")
	f.BoolVarP(&flags.noBnnr, "nobanner", "n", false, "suppress the banner")
	f.BoolVarP(&flags.version, "version", "V", false, "print version and exit")
	f.StringVar(&flags.config, "config", "", "YAML config file")
}

func loadConfig(cmd *cobra.Command) error {
	if flags.config == "" {
		return nil
	}
	raw, err := os.ReadFile(flags.config)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return err
	}
	if !cmd.Flags().Changed("base") && fc.Base != "" {
		flags.base = fc.Base
	}
	if !cmd.Flags().Changed("port") && fc.Port != "" {
		flags.port = fc.Port
	}
	if !cmd.Flags().Changed("serv") && fc.Bind != "" {
		flags.bind = fc.Bind
	}
	if !cmd.Flags().Changed("connections") && fc.Connections > 0 {
		flags.conns = fc.Connections
	}
	if fc.MetricsAddr != "" {
		go http.ListenAndServe(fc.MetricsAddr, metrics.Handler())
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if flags.version {
		fmt.Printf("nowdbd %s\n", Version)
		return nil
	}
	if err := loadConfig(cmd); err != nil {
		return err
	}
	log.Init(log.Config{Level: log.InfoLevel, Quiet: flags.quiet})
	if !flags.noBnnr && !flags.quiet {
		fmt.Printf("nowdbd %s listening on %s:%s\n", Version, flags.bind, flags.port)
	}
	if flags.lua || flags.python {
		// language hosts register themselves when their packages are
		// linked in; the flags only announce intent here
		log.Logger.Warn().Msg("no language host linked into this build")
	}
	if env := os.Getenv("NOWDB_LUA_PATH"); env != "" {
		for db, path := range svc.ParseLuaPath(env) {
			log.Logger.Info().Str("db", db).Str("path", path).Msg("lua path")
		}
	}

	lib, lerr := svc.NewLibrary(flags.base, svc.Options{
		NThreads: flags.conns,
		Timing:   flags.timing,
	})
	if lerr != nil {
		return lerr
	}
	srv, serr := svc.Listen(lib, flags.bind+":"+flags.port)
	if serr != nil {
		return serr
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		lib.Shutdown()
		return err
	}
	if err := lib.Shutdown(); err != nil {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nowdbd: %v\n", err)
		os.Exit(1)
	}
}
