package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/premises"
)

type SecuritySystem struct {
	*accessory.A
	SecuritySystem *service.SecuritySystem
	Tampered       *characteristic.StatusTampered
	Fault          *characteristic.StatusFault

	cfg      HomeKitConfig
	premises *premises.Premises

	mu     sync.Mutex
	failed map[string]bool
}

func NewSecuritySystem(info accessory.Info, cfg HomeKitConfig, p *premises.Premises) *SecuritySystem {
	a := &SecuritySystem{
		cfg:      cfg,
		premises: p,
		failed:   map[string]bool{},
	}
	a.A = accessory.New(info, accessory.TypeSecuritySystem)

	a.SecuritySystem = service.NewSecuritySystem()
	a.AddS(a.SecuritySystem.S)

	a.Tampered = characteristic.NewStatusTampered()
	a.SecuritySystem.AddC(a.Tampered.C)

	// raised when an emergency dispatch could not be placed.
	a.Fault = characteristic.NewStatusFault()
	a.SecuritySystem.AddC(a.Fault.C)

	a.SecuritySystem.SecuritySystemTargetState.SetValueRequestFunc = a.updateHandler

	a.Update(p.State())
	return a
}

func (a *SecuritySystem) Update(state arming.State) {
	v := a.cfg.currentState(state)
	if v < 0 {
		return
	}
	if a.SecuritySystem.SecuritySystemCurrentState.Value() != v {
		err := a.SecuritySystem.SecuritySystemCurrentState.SetValue(v)
		log.Info("set current state", "state", v, "mode", state.Mode, "err", err)
	}
	if v == characteristic.SecuritySystemCurrentStateAlarmTriggered {
		return
	}
	// keep the target in sync when arming happens elsewhere.
	if a.SecuritySystem.SecuritySystemTargetState.Value() != v {
		_ = a.SecuritySystem.SecuritySystemTargetState.SetValue(v)
	}
}

// Handle keeps the accessory in sync with the premises.
// It runs inside the publisher's critical section, so it must not call back
// into the incident manager.
func (a *SecuritySystem) Handle(ev event.Event) {
	switch ev := ev.(type) {
	case arming.StateChanged:
		a.Update(a.premises.State())
		if ev.To == arming.Disarmed {
			_ = a.Tampered.SetValue(0)
		}
	case arming.TamperReported:
		log.Warn("tamper", "zone", ev.ZoneID, "sensor", ev.SensorID)
		_ = a.Tampered.SetValue(1)
	case incident.DispatchFailed:
		a.mu.Lock()
		a.failed[ev.ID] = true
		a.mu.Unlock()
		_ = a.Fault.SetValue(1)
	case incident.Resolved:
		a.mu.Lock()
		delete(a.failed, ev.ID)
		none := len(a.failed) == 0
		a.mu.Unlock()
		if none {
			_ = a.Fault.SetValue(0)
		}
	}
}

func (a *SecuritySystem) updateHandler(
	v interface{},
	_ *http.Request,
) (response interface{}, code int) {
	target, ok := v.(int)
	if !ok {
		return nil, hap.JsonStatusInvalidValueInRequest
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Disarm before any state changes.
	// This allows to properly change between armed states.
	if _, err := a.premises.Disarm(ctx, premises.DisarmCommand{Code: a.cfg.Code}); err != nil &&
		!errors.Is(err, arming.ErrNotArmed) {
		log.Error("could not disarm", "err", err)
		return nil, hap.JsonStatusInvalidValueInRequest
	}

	if target == characteristic.SecuritySystemTargetStateDisarm {
		log.Info("disarm")
		return nil, hap.JsonStatusSuccess
	}

	profile, ok := a.cfg.targetProfile(target)
	if !ok {
		return nil, hap.JsonStatusResourceDoesNotExist
	}
	log.Info("arm", "profile", profile)
	if _, err := a.premises.Arm(ctx, premises.ArmCommand{ProfileID: profile, Code: a.cfg.Code}); err != nil {
		log.Error("could not arm", "profile", profile, "err", err)
		return nil, hap.JsonStatusResourceBusy
	}
	return nil, hap.JsonStatusSuccess
}
