package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/w1xm/stirrer_interface/stirrer"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		rotctldAddr string
		staticDir   string
		poll        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve status and commands over HTTP/websocket and rotctld",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := NewServer()
			c := config()
			c.StatusCallback = srv.statusCallback
			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return srv.reconnectLoop(ctx, func(ctx context.Context) (*stirrer.Stirrer, error) {
					return open(ctx, c)
				}, poll)
			})

			if rotctldAddr != "" {
				if err := srv.ListenRotctld(ctx, rotctldAddr); err != nil {
					return err
				}
			}

			r := mux.NewRouter()
			r.Handle("/api/status", http.HandlerFunc(srv.StatusHandler)).Methods("GET")
			r.Handle("/api/ws", http.HandlerFunc(srv.StatusSocketHandler))
			if staticDir != "" {
				r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
			}
			httpSrv := &http.Server{
				Handler:     r,
				Addr:        addr,
				ReadTimeout: 15 * time.Second,
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Printf("Listening on %v", httpSrv.Addr)
				if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8502", "address to listen on")
	cmd.Flags().StringVar(&rotctldAddr, "rotctld", "", "address for a hamlib rotctld listener (disabled if empty)")
	cmd.Flags().StringVar(&staticDir, "static_dir", "", "directory of static files to serve at /")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "status poll interval")
	return cmd
}
