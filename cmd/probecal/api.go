package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/marlinkit/probecal/printer"
)

// api serves calibration progress while a session runs: a JSON
// snapshot at /api/status and a push stream at /events/status.
type api struct {
	http.Handler
	p   *printer.Printer
	sse *sse.Server
}

func newAPI(p *printer.Printer) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		p:       p,
		sse: sse.NewServer(&sse.Options{
			Logger: log.New(ioutil.Discard, "", 0),
		}),
	}

	r.HandleFunc("/api/status", a.status).Methods("GET")
	r.PathPrefix("/events/").Handler(a.sse)

	go func() {
		for st := range p.Status() {
			data, err := json.Marshal(st)
			if err != nil {
				logrus.WithError(err).Error("marshal status")
				continue
			}
			a.sse.SendMessage("/events/status", sse.SimpleMessage(string(data)))
		}
	}()

	return a
}

func (a *api) status(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.p.Current()); err != nil {
		logrus.WithError(err).Error("encode status")
	}
}
