package harness

import (
	"github.com/RossTaxPrep/efile_layer/internal/app/services/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage/memory"
	"github.com/RossTaxPrep/efile_layer/internal/config"
	"github.com/RossTaxPrep/efile_layer/internal/mef"
	"github.com/RossTaxPrep/efile_layer/internal/mef/mefsim"
	"github.com/RossTaxPrep/efile_layer/internal/schema"
	"github.com/RossTaxPrep/efile_layer/pkg/logger"
	"github.com/RossTaxPrep/efile_layer/pkg/testutil"
)

// SimulatedBaseURL is the endpoint the in-process simulator answers on.
const SimulatedBaseURL = "http://mefsim.local/a2a/mef"

// NewSimulated wires the whole pipeline to an in-memory store and an
// in-process MeF simulator with the ATS test identities.
func NewSimulated(log *logger.Logger, opts ...Option) (*Harness, error) {
	if log == nil {
		log = logger.NewDefault("ats-harness")
	}
	settings := config.NewLive(testutil.SimulatedMeF(SimulatedBaseURL))
	sim := mefsim.New(mefsim.WithLogger(log))

	client, err := mef.New(settings, mef.WithHTTPClient(sim.HTTPClient()), mef.WithLogger(log))
	if err != nil {
		return nil, err
	}
	store := memory.New()
	validator := schema.New()

	return New(Deps{
		Service:    efile.New(store, validator, client, settings, log),
		Reconciler: efile.NewReconciler(store, store, client, log),
		Transport:  client,
		Validator:  validator,
		Settings:   settings,
		KillSwitch: settings,
		Simulator:  sim,
	}, log, opts...)
}
