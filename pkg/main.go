package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	pkg "github.com/openhall/callserver/pkg/internal"
	"github.com/openhall/callserver/pkg/internal/database"
	"github.com/openhall/callserver/pkg/internal/grpc"
	"github.com/openhall/callserver/pkg/internal/http"
	"github.com/openhall/callserver/pkg/internal/services"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	color.New(color.FgHiCyan, color.Bold).Printf("OpenHall CallServer v%s\n", pkg.AppVersion)

	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	// Connect to database
	if err := database.NewSource(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when connect to database.")
	} else if err := database.RunMigration(database.C); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when running database auto migration.")
	}

	// Rebuild the scheduler state from the live call rows
	if err := services.RebuildCallServerLoad(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when rebuilding the call server load table.")
	}

	// Connect the event bus
	if err := services.SetupEventBus(); err != nil {
		log.Warn().Err(err).Msg("An error occurred when connecting to the event bus, lifecycle events are disabled...")
	}

	// Server
	http.NewServer()
	go http.Listen()

	go func() {
		if err := grpc.NewGrpc().Listen(); err != nil {
			log.Fatal().Err(err).Msg("An error occurred when starting grpc server.")
		}
	}()

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	quartz.AddFunc("@every 60m", services.DoAutoDatabaseCleanup)
	quartz.AddFunc("@every 15s", services.StartDueScheduledCalls)
	quartz.AddFunc("@every 5m", func() {
		if err := services.SweepStaleCallServers(); err != nil {
			log.Error().Err(err).Msg("An error occurred when sweeping stale call servers...")
		}
	})
	quartz.Start()

	log.Info().Msgf("CallServer v%s is started...", pkg.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("CallServer v%s is quitting...", pkg.AppVersion)

	quartz.Stop()
}
