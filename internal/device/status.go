// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/safenv/internal/nvstore"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>safenv controller status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
  </style>
</head>

<body>

<h3>controller {{.Name}}</h3>

<table>
  <tr><td>Region:</td><td>{{.Layout}}</td></tr>
  <tr><td>State:</td><td>{{.State}}{{if .Busy}} (busy){{end}}</td></tr>
  <tr><td>Active slot:</td><td>{{.ActiveSlot}} of {{.Capacity}}, {{.FreeBlocks}} free</td></tr>
  <tr><td>I/O config CRC:</td><td>{{if .IOConfigCRCError}}{{.IOConfigCRCError}}{{else}}{{printf "%#04x" .IOConfigCRC}}{{end}}</td></tr>
  <tr><td>Commits / relocations / erases:</td><td>{{.Stats.Commits}} / {{.Stats.Relocations}} / {{.Stats.Erases}}</td></tr>
  <tr><td>Ticks:</td><td>{{.Ticks}}</td></tr>
  <tr><td>Free memory:</td><td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td></tr>
  <tr><td>Last reboot:</td><td>{{.Reboot}}</td></tr>
</table>

<br>
<table class="status">
  <caption>Operations</caption>
  <tr>
    <th>Op</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .Ops}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusData includes controller status info.
type StatusData struct {
	Name        string
	Layout      string
	State       string
	Busy        bool
	ActiveSlot  uint16
	Capacity    uint16
	FreeBlocks  uint16
	IOConfigCRC uint16
	Stats       nvstore.Stats

	// IOConfigCRCError is set when no committed SCCRC can be reported.
	IOConfigCRCError string

	Ticks    uint64
	FreeMem  uint64
	TotalMem uint64

	Reboot time.Time
	Ops    map[string]string
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When was the last reboot?
	reboot = time.Now()

	funcMap = template.FuncMap{"byteToMB": byteToMB}

	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// Handler returns the controller's http handler: status on "/" and prometheus
// metrics on "/metrics".
func (c *Controller) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// statusHandler sends json encoded status if the "Accept" header is set to
// "application/json", and html otherwise.
func (c *Controller) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		c.handleJSON(w)
	} else {
		c.handleHTML(w)
	}
}

// Status generates status data. It never reads flash and never trips the
// store, so a tripped controller still reports.
func (c *Controller) Status() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	l := c.store.Layout()
	d := StatusData{
		Name:       c.cfg.Name,
		Layout:     l.String(),
		Busy:       c.store.IsBusy(),
		Capacity:   l.Capacity(),
		FreeBlocks: c.store.FreeBlocksRemaining(),
		Stats:      c.store.Stats(),
		Ticks:      c.Ticks(),
		FreeMem:    mem.ActualFree,
		TotalMem:   mem.Total,
		Reboot:     reboot,
		Ops:        opMetric.Strings(c.cfg.Name, allOps...),
		Now:        time.Now(),
	}
	if st, err := c.store.State(); err == nil {
		d.State = st.String()
	}
	if crc, err := c.store.CommittedSCCRC(); err != nil {
		d.IOConfigCRCError = err.Error()
	} else {
		d.IOConfigCRC = crc
	}
	d.ActiveSlot = l.Capacity() - 1 - d.FreeBlocks
	return d
}

func (c *Controller) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, c.Status()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (c *Controller) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(c.Status()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Error(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
