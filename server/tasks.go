package main

import (
	"log"
	"time"

	"github.com/redpine-sec/citadel/model"
)

// runSessionArchiver periodically archives sessions that have been silent
// past their archive window. Archived sessions drop out of listings and
// target status but stay stored for audit.
func (s *service) runSessionArchiver(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.store.ListSessions(false)
		if err != nil {
			log.Println("archiver: error listing sessions:", err)
			continue
		}

		now := model.UnixTime()
		for _, session := range sessions {
			if !session.ShouldArchive(now, s.tuning) {
				continue
			}
			session.Archived = true
			if err := s.store.UpdateSession(session); err != nil {
				log.Printf("archiver: error archiving session %s: %s", session.SessionID, err)
				continue
			}
			log.Println("archiver: archived session", session.SessionID)
		}
	}
}

// runGroupRebuilder serves the rebuild triggers queued by membership
// mutations, keeping the full target scan off the request path.
func (s *service) runGroupRebuilder() {
	for name := range s.rebuild {
		if _, err := s.rebuildGroup(name); err != nil {
			log.Printf("rebuilder: error rebuilding group %s: %s", name, err)
		}
	}
}
