/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package handler implements the platform API: a thin RPC surface over
// the per-user controllers.  Every endpoint resolves the controller for
// the requested user and invokes the matching method; all real logic
// lives in the controllers.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/kiloclaw/kiloclaw/pkg/controllers"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/server/errors"
)

// Handler dispatches platform API requests to the controller manager.
type Handler struct {
	manager  *controllers.Manager
	validate *validator.Validate
}

// New returns an initialised handler.
func New(manager *controllers.Manager) *Handler {
	return &Handler{
		manager:  manager,
		validate: validator.New(),
	}
}

// machineSizeRequest is the caller-facing guest spec.
type machineSizeRequest struct {
	CPUs     int    `json:"cpus" validate:"omitempty,min=1,max=16"`
	MemoryMB int    `json:"memoryMb" validate:"omitempty,min=256,max=65536"`
	CPUKind  string `json:"cpuKind" validate:"omitempty,oneof=shared performance"`
}

// configRequest is the instance configuration payload shared by provision
// and config update.
type configRequest struct {
	UserID           string                      `json:"userId" validate:"required,min=1,max=128"`
	EnvVars          map[string]string           `json:"envVars,omitempty"`
	EncryptedSecrets map[string]*crypto.Envelope `json:"encryptedSecrets,omitempty"`
	Channels         map[string]*crypto.Envelope `json:"channels,omitempty"`

	KilocodeAPIKey       string   `json:"kilocodeApiKey,omitempty"`
	KilocodeDefaultModel string   `json:"kilocodeDefaultModel,omitempty"`
	KilocodeModels       []string `json:"kilocodeModels,omitempty"`

	MachineSize *machineSizeRequest `json:"machineSize,omitempty"`
	Region      string              `json:"region,omitempty" validate:"omitempty,alphanum,max=8"`
}

func (r *configRequest) config() *instance.Config {
	config := &instance.Config{
		EnvVars:              r.EnvVars,
		EncryptedSecrets:     r.EncryptedSecrets,
		Channels:             r.Channels,
		KilocodeAPIKey:       r.KilocodeAPIKey,
		KilocodeDefaultModel: r.KilocodeDefaultModel,
		KilocodeModels:       r.KilocodeModels,
		Region:               r.Region,
	}

	if r.MachineSize != nil {
		config.MachineSize = &instance.MachineSize{
			CPUs:     r.MachineSize.CPUs,
			MemoryMB: r.MachineSize.MemoryMB,
			CPUKind:  r.MachineSize.CPUKind,
		}
	}

	return config
}

// userRequest is the payload for operations keyed by user only.
type userRequest struct {
	UserID string `json:"userId" validate:"required,min=1,max=128"`
}

type approveRequest struct {
	UserID  string `json:"userId" validate:"required,min=1,max=128"`
	Channel string `json:"channel" validate:"required"`
	Code    string `json:"code" validate:"required"`
}

func (h *Handler) decode(r *http.Request, out any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(out); err != nil {
		return errors.HTTPInvalidRequest("malformed request body").WithError(err)
	}

	if err := h.validate.Struct(out); err != nil {
		return errors.HTTPInvalidRequest(err.Error())
	}

	return nil
}

func respond(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		errors.HandleError(w, r, err)
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	request := &configRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	result, err := h.manager.Instance(request.UserID).Provision(r.Context(), request.UserID, request.config())
	if err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusCreated, result)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	request := &userRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.Instance(request.UserID).Start(r.Context(), request.UserID); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	request := &userRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.Instance(request.UserID).Stop(r.Context(), request.UserID); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	request := &userRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.Instance(request.UserID).Destroy(r.Context(), request.UserID); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		errors.HTTPInvalidRequest("userId query parameter is required").Write(w, r)

		return
	}

	view, err := h.manager.Instance(userID).GetStatus(r.Context(), userID)
	if err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, view)
}

// UpdateConfig rewrites the instance configuration.  A running machine
// keeps its environment until the next cold start.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	request := &configRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.Instance(request.UserID).UpdateConfig(r.Context(), request.UserID, request.config()); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

// DestroyApp tears down the user's application, used at account deletion.
func (h *Handler) DestroyApp(w http.ResponseWriter, r *http.Request) {
	request := &userRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.App(request.UserID).DestroyApp(r.Context(), request.UserID); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

func (h *Handler) ListPairing(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		errors.HTTPInvalidRequest("userId query parameter is required").Write(w, r)

		return
	}

	requests, err := h.manager.Instance(userID).ListPairing(r.Context(), userID)
	if err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if requests == nil {
		requests = []instance.PairingRequest{}
	}

	respond(w, r, http.StatusOK, requests)
}

func (h *Handler) ApprovePairing(w http.ResponseWriter, r *http.Request) {
	request := &approveRequest{}

	if err := h.decode(r, request); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	if err := h.manager.Instance(request.UserID).ApprovePairing(r.Context(), request.UserID, request.Channel, request.Code); err != nil {
		errors.HandleError(w, r, err)

		return
	}

	respond(w, r, http.StatusOK, &okResponse{OK: true})
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	errors.HTTPNotFound("resource not found").Write(w, r)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	errors.HTTPMethodNotAllowed().Write(w, r)
}
