// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package nvstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every Store in the process and split by the store's
// name, so a simulator running both controllers reports them side by side.
var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "commits_total",
		Help:      "Records committed to a new flash block.",
	}, []string{"store"})

	relocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "relocations_total",
		Help:      "Times the active block was moved back to slot 0.",
	}, []string{"store"})

	erasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "page_erases_total",
		Help:      "Flash pages erased by the store.",
	}, []string{"store"})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "fsm_steps_total",
		Help:      "Write state machine steps taken, by the state they ran in.",
	}, []string{"store", "state"})

	fatalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "fatal_total",
		Help:      "Fatal conditions raised by the store, by fail code.",
	}, []string{"store", "code"})

	freeBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "free_blocks",
		Help:      "Slots left after the active block.",
	}, []string{"store"})

	activeSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safenv",
		Subsystem: "nvstore",
		Name:      "active_slot",
		Help:      "Slot of the active block.",
	}, []string{"store"})
)
