package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/andrej220/fleetrun/internal/batch"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/internal/serverutil"
	"github.com/andrej220/fleetrun/pkg/models"
)

const defaultEndpoint = "/dispatch"

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept dispatch requests over HTTP",
		Description: `POST a JSON dispatch request to the endpoint, e.g.
  {"kind":"command","command":"uptime","hosts":["10.0.0.1"]}
The batch id is returned at once; the batch runs in the background and its
report is written to --report when set.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  portFlag,
				Usage: "Listen port, overrides the inventory server section",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if err := a.store.Watch(ctx, func() { a.reload(ctx) }); err != nil {
				a.logger.Warn("inventory changes will not be picked up", lg.Err(err))
			}

			h := newDispatchHandler(ctx, a)
			defer h.wait()

			cfg := serverutil.DefaultServerConfig()
			cfg.Port = a.inv.Server.Port
			if p := cmd.String(portFlag); p != "" {
				cfg.Port = p
			}
			cfg.Logger = a.logger
			if err := serverutil.RunServer(ctx, h.routes(a.inv.Server.Endpoint), cfg); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		}),
	}
}

// dispatchHandler starts one background batch per accepted request. Batches
// inherit the server's context and are cancelled with it.
type dispatchHandler struct {
	app     *app
	baseCtx context.Context
	wg      sync.WaitGroup
}

func newDispatchHandler(ctx context.Context, a *app) *dispatchHandler {
	return &dispatchHandler{app: a, baseCtx: ctx}
}

func (h *dispatchHandler) routes(endpoint string) http.Handler {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, serverutil.NewValidationHandler[models.DispatchRequest](h, checkSubmit))
	return mux
}

func (h *dispatchHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.DispatchRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	as, err := h.app.assignmentsFor(req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New()
	h.start(id, as)
	serverutil.WriteJSON(rw, http.StatusAccepted, models.DispatchResponse{BatchID: id})
}

func (h *dispatchHandler) start(id uuid.UUID, as []batch.Assignment) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.app.runBatch(h.baseCtx, id, as); err != nil {
			lg.FromContext(h.baseCtx).Error("batch finished with an error",
				lg.String("batch_id", id.String()), lg.Err(err))
		}
	}()
}

// wait blocks until every started batch has finished.
func (h *dispatchHandler) wait() {
	h.wg.Wait()
}
