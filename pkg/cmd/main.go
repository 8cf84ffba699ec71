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

	chatkit "github.com/sidelinehq/chatkit/pkg"
	"github.com/sidelinehq/chatkit/pkg/server"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	color.New(color.FgHiCyan, color.Bold).Printf("Sideline Chatkit v%s\n", chatkit.AppVersion)

	// Server
	hub := server.NewHub()
	server.NewServer(hub)
	go server.Listen()

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	quartz.AddFunc("@every 60s", hub.SweepTyping)
	quartz.Start()

	log.Info().Msgf("Chatkit reference server v%s is started...", chatkit.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("Chatkit reference server v%s is quitting...", chatkit.AppVersion)

	quartz.Stop()
}
