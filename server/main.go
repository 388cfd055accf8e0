package main

import (
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/redpine-sec/citadel/server/env"
	"github.com/redpine-sec/citadel/server/storage"
)

func init() {
	log.SetOutput(os.Stdout)
	logFlags := log.LstdFlags
	if !env.LogTimestamps {
		logFlags = 0
	}
	if env.Verbose {
		logFlags |= log.Lshortfile
	}
	log.SetFlags(logFlags)
}

func main() {
	log.Println("started teamserver")
	defer log.Println("bye.")

	conf, err := loadConfig(env.ConfigPath)
	if err != nil {
		log.Fatalf("Error loading config: %s", err)
	}

	var store storage.Storage
	if conf.Elasticsearch != "" {
		store, err = storage.NewElasticStorage(conf.Elasticsearch)
		if err != nil {
			log.Fatalf("Error connecting to elasticsearch: %s", err)
		}
	} else {
		log.Println("No elasticsearch configured, state is kept in memory only")
		store = storage.NewMemoryStorage()
	}

	var auth Authorizer
	if conf.AuthEnabled {
		auth, err = newAPIKeyAuth(conf.APIKeyHashes)
		if err != nil {
			log.Fatalf("Error setting up auth: %s", err)
		}
	} else {
		log.Println("Authentication is disabled")
		auth = allowAllAuth{}
	}

	service := newService(store, newEventBus(), &conf.Tuning)
	go service.runSessionArchiver(time.Minute)
	go service.runGroupRebuilder()

	go startRESTAPI(conf.BindAddr, service, auth)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, os.Kill)
	<-sig
}
