// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package service

type Service interface {
	ServiceReady() bool
}

// ServiceConfig is the configuration for the Services.
type ServiceConfig struct {
	// ClinicEnvironment is the environment name for clinic app URL generation.
	ClinicEnvironment string
	// CustomAppOrigin overrides the clinic app origin - only meant for local development.
	CustomAppOrigin string
}
