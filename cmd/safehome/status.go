package main

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/caarlos0/safehome/premises"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed index.html
var index []byte

var indexTpl = template.Must(template.New("index").Parse(string(index)))

type PageItem struct {
	Number   int
	Name     string
	Zone     string
	Kind     string
	Open     bool
	Tamper   bool
	Bypassed bool
}

type page struct {
	Name      string
	State     string
	Siren     bool
	Sensors   []PageItem
	Incidents []PageIncident
}

type PageIncident struct {
	ID     string
	Class  string
	Zone   string
	Status string
	Tier   int
}

func buildPage(snap premises.Snapshot, sensors AlarmSensors) page {
	bypassed := map[string]bool{}
	for _, b := range snap.Bypasses {
		bypassed[b.SensorID] = true
	}
	result := page{
		Name:  snap.Name,
		State: snap.State.Mode.String(),
		Siren: snap.State.Siren,
	}
	for i, sensor := range snap.Sensors {
		item := PageItem{
			Number:   i + 1,
			Name:     sensor.Name,
			Zone:     sensor.Zone,
			Kind:     sensor.Kind.String(),
			Bypassed: bypassed[sensor.ID],
		}
		if a := sensors.find(sensor.ID); a != nil {
			item.Open = a.IsActive()
			item.Tamper = a.Tamper.Value() == 1
		}
		result.Sensors = append(result.Sensors, item)
	}
	for _, inc := range snap.Incidents {
		result.Incidents = append(result.Incidents, PageIncident{
			ID:     inc.ID,
			Class:  inc.Class.String(),
			Zone:   inc.ZoneID,
			Status: inc.Status.String(),
			Tier:   inc.Tier,
		})
	}
	return result
}

// router is satisfied by both the HomeKit server's router and http.ServeMux.
type router interface {
	Handle(pattern string, handler http.Handler)
}

func registerHandlers(mux router, p *premises.Premises, sensors AlarmSensors) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status.json", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.Snapshot())
	}))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if err := indexTpl.Execute(w, buildPage(p.Snapshot(), sensors)); err != nil {
			log.Error("could not render status page", "err", err)
		}
	}))
}
