/*
Copyright 2026 Jordi Gil.

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

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/client"
	"github.com/jordigilh/jobengine/pkg/jobengine/registry"
	"github.com/jordigilh/jobengine/pkg/metrics"
)

func errMalformedBody() error {
	return &registry.ValidationError{Code: registry.CodeInvalidInput, Message: "malformed request body"}
}

type handler struct {
	client *client.Client
	log    *logrus.Logger
}

func newHandler(c *client.Client, log *logrus.Logger) *handler {
	return &handler{client: c, log: log}
}

type startChainRequest struct {
	TypeName string      `json:"typeName"`
	Input    interface{} `json:"input"`
}

type startChainResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated"`
}

func (h *handler) startJobChain(w http.ResponseWriter, r *http.Request) {
	var req startChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, errMalformedBody())
		return
	}

	res, err := h.client.StartJobChain(r.Context(), client.StartChainInput{
		TypeName: req.TypeName,
		Input:    req.Input,
	})
	if err != nil {
		apiError(w, err)
		return
	}

	metrics.RecordJobChainCreated()
	metrics.RecordJobCreated(req.TypeName)
	writeJSON(w, http.StatusCreated, startChainResponse{
		ID:           res.ID,
		Status:       string(res.Status),
		Deduplicated: res.Deduplicated,
	})
}

func (h *handler) getJobChain(w http.ResponseWriter, r *http.Request) {
	typeName := chi.URLParam(r, "typeName")
	id := chi.URLParam(r, "id")

	chain, err := h.client.GetJobChain(r.Context(), id, typeName)
	if err != nil {
		apiError(w, err)
		return
	}
	if chain == nil {
		apiError(w, jobengine.NewNotFound("get job chain"))
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (h *handler) waitForJobChainCompletion(w http.ResponseWriter, r *http.Request) {
	typeName := chi.URLParam(r, "typeName")
	id := chi.URLParam(r, "id")

	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeoutMs"); v != "" {
		if ms, err := time.ParseDuration(v + "ms"); err == nil {
			timeout = ms
		}
	}

	chain, err := h.client.WaitForJobChainCompletion(r.Context(), id, typeName, client.WaitOptions{
		PollInterval: 200 * time.Millisecond,
		Timeout:      timeout,
	})
	if err != nil {
		apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

type deleteChainsRequest struct {
	RootChainIDs []string `json:"rootChainIds"`
}

func (h *handler) deleteJobChains(w http.ResponseWriter, r *http.Request) {
	var req deleteChainsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiError(w, errMalformedBody())
		return
	}

	if err := h.client.DeleteJobChains(r.Context(), req.RootChainIDs); err != nil {
		apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
