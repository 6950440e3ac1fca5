package main

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/event"
)

// Siren shows whether the siren is sounding, as an open contact.
type Siren struct {
	*accessory.A
	Sounding *service.ContactSensor
	Audible  *characteristic.StatusActive
}

func newSiren(info accessory.Info) *Siren {
	a := Siren{}
	a.A = accessory.New(info, accessory.TypeSensor)

	a.Audible = characteristic.NewStatusActive()
	a.Sounding = service.NewContactSensor()
	a.Sounding.AddC(a.Audible.C)
	a.AddS(a.Sounding.S)

	return &a
}

func (siren *Siren) Update(on bool) {
	if v := boolToInt(on); siren.Sounding.ContactSensorState.Value() != v {
		_ = siren.Sounding.ContactSensorState.SetValue(v)
		log.Info("siren", "on", on)
	}
	sirenGauge.Set(boolToFloat(on))
}

// Handle follows siren and panic events: a silent panic alarms without
// ever sounding, which shows as an inactive siren.
func (siren *Siren) Handle(ev event.Event) {
	switch ev := ev.(type) {
	case arming.SirenChanged:
		siren.Update(ev.On)
		if !ev.On {
			siren.Audible.SetValue(true)
		}
	case arming.AlarmTriggered:
		siren.Audible.SetValue(!ev.Silent)
	}
}

func setupSiren(state arming.State) *Siren {
	a := newSiren(accessory.Info{
		Name:         "Siren",
		Manufacturer: manufacturer,
	})
	a.Audible.SetValue(true)
	a.Update(state.Siren)
	a.Id = 200
	return a
}
