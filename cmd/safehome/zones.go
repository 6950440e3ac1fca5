package main

import (
	"errors"
	"net/http"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/premises"
	"github.com/caarlos0/safehome/zone"
)

type AlarmSensors []*AlarmSensor

func setupSensors(p *premises.Premises, cfg HomeKitConfig) AlarmSensors {
	var sensors AlarmSensors
	for i, sensor := range p.Zones.Sensors() {
		a := newAlarmSensor(accessory.Info{
			Name:         sensor.Name,
			SerialNumber: sensor.ID,
			Manufacturer: manufacturer,
			Model:        sensor.Kind.String(),
		}, sensor)
		a.Id = uint64(100 + i)
		if _, ok := p.Zones.Bypassed(sensor.ID); ok {
			a.SetBypassed(true)
		}

		a.Bypass.On.SetValueRequestFunc = func(value interface{}, _ *http.Request) (response interface{}, code int) {
			monitored := value.(bool)
			log.Info("set sensor bypass", "sensor", sensor.ID, "bypass", !monitored)
			if monitored {
				err := p.ClearBypass(sensor.ID)
				if err != nil && !errors.Is(err, zone.ErrNotBypassed) {
					log.Error("failed to clear bypass", "sensor", sensor.ID, "err", err)
					return nil, hap.JsonStatusResourceBusy
				}
				return nil, hap.JsonStatusSuccess
			}
			if _, err := p.Bypass(premises.BypassCommand{
				SensorID:        sensor.ID,
				DurationSeconds: int(cfg.BypassDuration.Seconds()),
				Reason:          "homekit",
			}); err != nil {
				log.Error("failed to bypass", "sensor", sensor.ID, "err", err)
				return nil, hap.JsonStatusResourceBusy
			}
			return nil, hap.JsonStatusSuccess
		}
		sensors = append(sensors, a)
	}
	return sensors
}

func (sensors AlarmSensors) find(id string) *AlarmSensor {
	for _, s := range sensors {
		if s.Sensor.ID == id {
			return s
		}
	}
	return nil
}

// Handle keeps the sensor accessories in sync with the supervisor.
func (sensors AlarmSensors) Handle(ev event.Event) {
	switch ev := ev.(type) {
	case zone.ReadingRecorded:
		if s := sensors.find(ev.Reading.SensorID); s != nil {
			s.Update(ev.Reading, ev.Outcome)
		}
	case zone.BypassSet:
		if s := sensors.find(ev.SensorID); s != nil {
			s.SetBypassed(true)
		}
	case zone.BypassCleared:
		if s := sensors.find(ev.SensorID); s != nil {
			s.SetBypassed(false)
		}
	}
}
