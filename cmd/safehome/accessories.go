package main

import (
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/caarlos0/safehome/zone"
)

// AlarmSensor exposes one sensor, plus a switch that is on while the sensor
// is monitored and off while it is bypassed.
type AlarmSensor struct {
	*accessory.A
	Sensor  zone.Sensor
	Motion  *service.MotionSensor
	Contact *service.ContactSensor
	Smoke   *service.SmokeSensor
	Bypass  *service.Switch
	Tamper  *characteristic.StatusTampered
}

func newAlarmSensor(info accessory.Info, sensor zone.Sensor) *AlarmSensor {
	a := AlarmSensor{
		Sensor: sensor,
	}
	a.A = accessory.New(info, accessory.TypeSensor)

	a.Tamper = characteristic.NewStatusTampered()

	switch sensor.Kind {
	case zone.KindMotion:
		a.Motion = service.NewMotionSensor()
		a.Motion.AddC(a.Tamper.C)
		a.AddS(a.Motion.S)
	case zone.KindSmoke, zone.KindGas:
		a.Smoke = service.NewSmokeSensor()
		a.Smoke.AddC(a.Tamper.C)
		a.AddS(a.Smoke.S)
	default:
		a.Contact = service.NewContactSensor()
		a.Contact.AddC(a.Tamper.C)
		a.AddS(a.Contact.S)
	}

	a.Bypass = service.NewSwitch()
	a.Bypass.On.SetValue(true)
	a.AddS(a.Bypass.S)

	return &a
}

// Update reflects a reading. Readings the supervisor dropped as stale are
// not shown.
func (sensor *AlarmSensor) Update(r zone.Reading, outcome zone.Outcome) {
	if outcome == zone.OutcomeStale {
		return
	}

	tamper := boolToInt(r.Tamper)
	if sensor.Tamper.Value() != tamper {
		log.Info("tamper", "sensor", sensor.Sensor.ID, "status", r.Tamper)
		_ = sensor.Tamper.SetValue(tamper)
	}

	active := r.Active
	if sensor.Sensor.Kind == zone.KindGas {
		active = r.Level >= sensor.Sensor.Threshold
	}

	switch {
	case sensor.Motion != nil:
		if sensor.Motion.MotionDetected.Value() == active {
			return
		}
		sensor.Motion.MotionDetected.SetValue(active)
		log.Info("motion", "sensor", sensor.Sensor.ID, "status", active)
	case sensor.Smoke != nil:
		current := boolToInt(active)
		if sensor.Smoke.SmokeDetected.Value() == current {
			return
		}
		_ = sensor.Smoke.SmokeDetected.SetValue(current)
		log.Info("smoke", "sensor", sensor.Sensor.ID, "status", current)
	case sensor.Contact != nil:
		current := boolToInt(active)
		if sensor.Contact.ContactSensorState.Value() == current {
			return
		}
		_ = sensor.Contact.ContactSensorState.SetValue(current)
		log.Info("contact", "sensor", sensor.Sensor.ID, "status", current)
	}
}

func (sensor *AlarmSensor) SetBypassed(bypassed bool) {
	if sensor.Bypass.On.Value() == bypassed {
		log.Info("bypass", "sensor", sensor.Sensor.ID, "status", bypassed)
		sensor.Bypass.On.SetValue(!bypassed)
	}
}

func (sensor *AlarmSensor) IsActive() bool {
	switch {
	case sensor.Motion != nil:
		return sensor.Motion.MotionDetected.Value()
	case sensor.Smoke != nil:
		return sensor.Smoke.SmokeDetected.Value() == 1
	default:
		return sensor.Contact.ContactSensorState.Value() == 1
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
