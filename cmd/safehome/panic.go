package main

import (
	"context"
	"net/http"
	"time"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/caarlos0/safehome/premises"
)

func setupPanicButton(p *premises.Premises, cfg HomeKitConfig) *accessory.Switch {
	a := accessory.NewSwitch(accessory.Info{
		Name:         "Audible Panic",
		Manufacturer: manufacturer,
	})
	a.Switch.On.SetValueRequestFunc = func(value interface{}, _ *http.Request) (response interface{}, code int) {
		v := value.(bool)
		if v {
			log.Warn("triggering an audible panic!")
			p.Panic(premises.PanicCommand{Source: "homekit"})
			return nil, hap.JsonStatusSuccess
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := p.Disarm(ctx, premises.DisarmCommand{Code: cfg.Code}); err != nil {
			log.Error("failed to stop the panic", "err", err)
			return nil, hap.JsonStatusResourceBusy
		}
		return nil, hap.JsonStatusSuccess
	}
	return a
}
