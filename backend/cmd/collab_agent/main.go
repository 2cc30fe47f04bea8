package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/client"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/httpapi/middleware"
)

// collab_agent is a headless room participant used for smoke testing and
// load generation: it joins a page, makes one edit, then mirrors the room
// until interrupted.
func main() {
	var (
		serverURL = flag.String("url", "ws://127.0.0.1:8083/collab/ws", "collab server websocket endpoint")
		projectID = flag.String("project", "demo-project", "project id")
		pageID    = flag.String("page", "demo-page", "page id")
		mode      = flag.String("mode", "crdt", "transport mode: crdt or snapshot")
		userID    = flag.String("user", "agent", "user id embedded in the token")
		username  = flag.String("name", "agent", "display name")
		secret    = flag.String("secret", "dev-only-change-me", "shared auth secret used to self-sign a token")
		token     = flag.String("token", "", "pre-issued access token (overrides -secret)")
		edit      = flag.Bool("edit", true, "make one demo edit after syncing")
	)
	flag.Parse()

	accessToken := *token
	if accessToken == "" {
		var err error
		accessToken, err = middleware.SignAccessToken([]byte(*secret), *userID, *username, time.Hour)
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
	}

	st := client.NewMemoryStore()
	sess := client.NewSession(st, client.Options{
		URL:       *serverURL,
		ProjectID: *projectID,
		PageID:    *pageID,
		Token:     accessToken,
		Mode:      *mode,
		UserID:    *userID,
		Username:  *username,
	})
	st.OnMutate(sess.LocalEdit)

	sess.OnStatus(func(state client.State) {
		log.Printf("state: %s", state)
	})
	sess.OnConflict(func(conflicts []element.Conflict) {
		for _, c := range conflicts {
			log.Printf("structural conflict: %s element=%s %s", c.Code, c.ElementID, c.Detail)
		}
	})
	sess.Awareness().OnChange(func(entries map[string]awareness.Entry) {
		log.Printf("peers online: %d", len(entries))
	})

	sess.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := sess.WaitSynced(ctx); err != nil {
		cancel()
		log.Fatalf("never reached synced: %v", err)
	}
	cancel()
	log.Printf("synced, document hash %s", sess.Hash())

	if *edit {
		id := "section-" + uuid.NewString()
		st.AddElement(&element.Element{
			ID:     id,
			Type:   "Section",
			PageID: *pageID,
			Styles: map[string]any{"width": "50%"},
		})
		sess.Flush()
		log.Printf("added %s, document hash %s", id, sess.Hash())
	}

	sess.SetAwareness(awareness.Entry{
		UserID:   *userID,
		Username: *username,
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	sess.Disconnect()
	log.Printf("final document hash %s (elements=%d)", sess.Hash(), sess.Replica().Forest().Len())
}
