package main

import (
	log "github.com/sirupsen/logrus"

	"signalcore/internal/handlers"
	"signalcore/internal/jobqueue"
	"signalcore/internal/routes"
	"signalcore/internal/store"
	"signalcore/pkg/config"
)

// The api binary serves the ops routes against the shared database without
// taking part in leader election.
func main() {
	s, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load settings: ", err)
	}
	if lvl, err := log.ParseLevel(s.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	db, err := config.InitDB(s)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}

	r := routes.SetupRouter(&handlers.Handler{
		Signals:  store.NewSignalRepo(db),
		Jobs:     jobqueue.New(store.NewJobRepo(db)),
		Snapshot: handlers.LeaseSnapshot(store.NewLeaseRepo(db), s.LeaderScope),
	})

	if err := r.Run(":" + s.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
