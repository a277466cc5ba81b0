package main

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"cloakroom/engine/actors"
	"cloakroom/engine/library"
	"cloakroom/messaging/eventconductor"
	"cloakroom/messaging/media"
	"cloakroom/state/chat"
)

func main() {
	// Various aspects of this application require global and local
	// settings. To keep things clean and tidy we put these settings in
	// a Viper configuration.
	conf := viper.New()
	actors.InitConfig(conf)
	fmt.Println("CURRENT CONFIG")
	for k, v := range conf.AllSettings() {
		fmt.Printf("\nKey: %s; Value: %v\n", k, v)
	}

	wallet := actors.LoadWallet(conf)
	library.LogCLI("local identity "+wallet.Account, 4)

	var blobs media.Store
	if base := conf.GetString("mediaURL"); base != "" {
		blobs = media.NewHTTPStore(base, conf.GetString("mediaToken"))
	} else {
		library.LogCLI("no media server configured, large attachments will be refused", 2)
		blobs = media.NewMemoryStore()
	}

	store := chat.NewStore()
	engine := eventconductor.New(wallet, store, blobs, eventconductor.OptionsFromConfig(conf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Close()

	interrupt := make(chan struct{})
	go cliListener(ctx, interrupt, conf, engine, store)
	<-interrupt
	library.LogCLI("shutting down", 4)
}
