/*
 * Zof - An OpenFlow Controller Framework
 *
 * Copyright (C) 2019 William W. Fisher <william.w.fisher@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

// Package api serves the REST status interface of the controller: listing
// the connected datapaths and force-closing one.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/byllyfish/zof/network"

	"github.com/ant0ine/go-json-rest/rest"
	"github.com/op/go-logging"
)

var (
	logger = logging.MustGetLogger("api")
)

type Server struct {
	Port uint16
	TLS  struct {
		Cert string // Path for a TLS certification file.
		Key  string // Path for a TLS private key file.
	}
	Controller *network.Controller
}

func (r *Server) validate() error {
	if r.Controller == nil {
		return errors.New("nil controller")
	}
	if r.Port == 0 {
		return errors.New("invalid port")
	}

	return nil
}

func (r *Server) Serve() error {
	if err := r.validate(); err != nil {
		return err
	}

	api := rest.NewApi()
	// Middleware to set the CORS header.
	api.Use(rest.MiddlewareSimple(func(handler rest.HandlerFunc) rest.HandlerFunc {
		return func(writer rest.ResponseWriter, request *rest.Request) {
			writer.Header().Set("Access-Control-Allow-Origin", "*")
			handler(writer, request)
		}
	}))
	router, err := rest.MakeRouter(
		rest.Get("/api/v1/datapath", r.listDatapath),
		rest.Get("/api/v1/datapath/:connID", r.showDatapath),
		rest.Delete("/api/v1/datapath/:connID", r.closeDatapath),
	)
	if err != nil {
		return err
	}
	api.SetApp(router)

	// Listen on all interfaces.
	addr := fmt.Sprintf(":%v", r.Port)
	if r.TLS.Cert != "" && r.TLS.Key != "" {
		err = http.ListenAndServeTLS(addr, r.TLS.Cert, r.TLS.Key, api.MakeHandler())
	} else {
		err = http.ListenAndServe(addr, api.MakeHandler())
	}

	return err
}

type Datapath struct {
	ConnID   uint64 `json:"conn_id"`
	DPID     string `json:"dpid"`
	Version  uint8  `json:"version"`
	Endpoint string `json:"endpoint"`
	NumPorts int    `json:"n_ports"`
}

func newDatapath(dp *network.Datapath) Datapath {
	return Datapath{
		ConnID:   dp.ConnID(),
		DPID:     dp.DPID(),
		Version:  dp.Version(),
		Endpoint: dp.Endpoint(),
		NumPorts: len(dp.Ports()),
	}
}

func (r *Server) listDatapath(w rest.ResponseWriter, req *rest.Request) {
	logger.Debug("listing all datapaths..")

	connected := r.Controller.Datapaths()
	datapaths := make([]Datapath, 0, len(connected))
	for _, dp := range connected {
		datapaths = append(datapaths, newDatapath(dp))
	}

	w.WriteJson(&struct {
		Datapaths []Datapath `json:"datapaths"`
	}{datapaths})
}

func (r *Server) showDatapath(w rest.ResponseWriter, req *rest.Request) {
	connID, err := strconv.ParseUint(req.PathParam("connID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dp := r.Controller.Datapath(connID)
	if dp == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown conn_id"))
		return
	}

	w.WriteJson(&struct {
		Datapath
		Features map[string]interface{} `json:"features"`
		Ports    []interface{}          `json:"ports"`
	}{newDatapath(dp), dp.Features(), dp.Ports()})
}

func (r *Server) closeDatapath(w rest.ResponseWriter, req *rest.Request) {
	connID, err := strconv.ParseUint(req.PathParam("connID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dp := r.Controller.Datapath(connID)
	if dp == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown conn_id"))
		return
	}

	logger.Infof("closing datapath conn_id=%v by API request", connID)
	if err := dp.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteJson(&struct{}{})
}

func writeError(w rest.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	w.WriteJson(&struct {
		Error string `json:"error"`
	}{err.Error()})
}
