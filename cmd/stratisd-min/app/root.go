package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stratis-storage/stratisd-sub004/internal/bootvolume"
	"github.com/stratis-storage/stratisd-sub004/internal/engine"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/simengine"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/thinpool"
	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

const configName = "stratisd-min-config"

var cliConfig struct {
	simulator           bool
	tickInterval        time.Duration
	assemblyGracePeriod time.Duration
	dataLowWaterPercent float64
	metaLowWaterPercent float64
	overprovisioning    bool
	engineConfig        engineDecoded

	configFile string
}

// engineDecoded mirrors engine.Config's shape for mapstructure decoding from
// the config file's "engine" section, following the teacher's
// controllerServerSettings decode pattern.
type engineDecoded struct {
	GrowthCapSectors uint64 `mapstructure:"growth_cap_sectors"`
}

var rootCmd = &cobra.Command{
	Use:   "stratisd-min",
	Short: "stratis-storage minimal pool-management daemon",
	Long: `stratisd-min runs the storage-pool engine: it assembles pools from
member devices discovered at startup, keeps each pool's thin-pool sized
ahead of demand, and answers pool/filesystem lifecycle operations.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return subMain()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	fs := rootCmd.Flags()
	fs.BoolVar(&cliConfig.simulator, "simulator", false, "run against the in-memory simulator backend instead of the host kernel")
	fs.DurationVar(&cliConfig.tickInterval, "tick-interval", 10*time.Second, "interval between background thin-pool and assembly checks")
	fs.DurationVar(&cliConfig.assemblyGracePeriod, "assembly-grace-period", 30*time.Second, "how long a pool may sit with an incomplete device set before it is reported as stuck")
	fs.Float64Var(&cliConfig.dataLowWaterPercent, "data-low-water-percent", 80.0, "thin-pool data usage percent that triggers an extension check")
	fs.Float64Var(&cliConfig.metaLowWaterPercent, "metadata-low-water-percent", 80.0, "thin-pool metadata usage percent that triggers an extension check")
	fs.BoolVar(&cliConfig.overprovisioning, "overprovisioning", true, "allow filesystem size limits to exceed allocated thin-pool data")

	fs.StringVar(&cliConfig.configFile, configName, fmt.Sprintf("%s.yaml", configName), "the file containing daemon configuration settings. It can be in any format supported by viper (json, toml, yaml, hcl, ini, envfile). The default is yaml. The file can be located in the working directory, or in /etc/stratisd/")

	rootCmd.PreRunE = func(_ *cobra.Command, _ []string) error {
		if err := loadConfigFileIntoFlagSet(fs); err != nil {
			return err
		}
		if err := bootvolume.BindEnv(); err != nil {
			return err
		}

		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.TextUnmarshallerHookFunc(),
			Result:     &cliConfig.engineConfig,
		})
		if err != nil {
			return err
		}
		return decoder.Decode(viper.Get("engine"))
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfigFileIntoFlagSet loads the config file into the flag set and
// returns an error if it fails. It does not error if the config file is not
// found, since one is not required. Any value set on the flag set overrides
// the config file.
func loadConfigFileIntoFlagSet(fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == configName {
			return
		}
		if err := viper.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, err)
		}
	})
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	viper.AddConfigPath("/etc/stratisd")
	viper.AddConfigPath(".")

	configSplit := strings.Split(cliConfig.configFile, ".")
	name := strings.Join(configSplit[0:len(configSplit)-1], ".")
	fileType := configSplit[len(configSplit)-1]
	viper.SetConfigName(name)
	viper.SetConfigType(fileType)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return nil
}

func subMain() error {
	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("stratisd-min")

	cfg := engine.Config{
		TickInterval:        cliConfig.tickInterval,
		AssemblyGracePeriod: cliConfig.assemblyGracePeriod,
		Policy: thinpool.Policy{
			DataLowWaterPercent:     cliConfig.dataLowWaterPercent,
			MetadataLowWaterPercent: cliConfig.metaLowWaterPercent,
			OverprovisioningEnabled: cliConfig.overprovisioning,
			GrowthCap:               stratis.Sectors(cliConfig.engineConfig.GrowthCapSectors),
		},
	}

	eng := engine.NewEngine(backendFactoryFor(cliConfig.simulator), cfg, prometheus.DefaultRegisterer, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go eng.Run()
	log.Info("engine started", "simulator", cliConfig.simulator)

	<-ctx.Done()
	log.Info("shutting down")
	eng.Stop()
	return nil
}

// backendFactoryFor picks which Backend implementation the engine
// constructs per pool (§9 "polymorphism across real and simulator
// engines"): engine.NewRealBackend drives the host kernel, simengine.NewBackend
// never touches a real device.
func backendFactoryFor(sim bool) func(log logr.Logger) engine.Backend {
	if sim {
		return func(logr.Logger) engine.Backend { return simengine.NewBackend() }
	}
	return func(l logr.Logger) engine.Backend { return engine.NewRealBackend(context.Background(), l) }
}
