// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package core provides CO-RE (Compile Once - Run Everywhere) support for the
// NodeGuarder probes: kernel feature detection and load-time resolution of
// kernel structure layouts from BTF.
package core

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"

	"github.com/nodeguarder/nodeguarder/pkg/kernel"
)

const btfPath = "/sys/kernel/btf/vmlinux"

// Features describes the running kernel's CO-RE capabilities.
type Features struct {
	KernelVersion string
	HasBTF        bool
	BTFPath       string
	CORESupport   string // "full", "partial", "none"
}

// Manager owns the kernel BTF spec and answers layout questions against it.
type Manager struct {
	logger   logr.Logger
	spec     *btf.Spec
	features *Features
}

func NewManager(logger logr.Logger) (*Manager, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("CO-RE is only supported on Linux")
	}

	features, err := detectFeatures()
	if err != nil {
		return nil, fmt.Errorf("detecting kernel features: %w", err)
	}

	logger.Info("Kernel CO-RE features detected",
		"kernel", features.KernelVersion,
		"btf", features.HasBTF,
		"core_support", features.CORESupport,
	)

	var spec *btf.Spec
	if features.HasBTF {
		spec, err = btf.LoadKernelSpec()
		if err != nil {
			return nil, fmt.Errorf("loading kernel BTF: %w", err)
		}
	}

	return &Manager{
		logger:   logger,
		spec:     spec,
		features: features,
	}, nil
}

// Features returns information about kernel CO-RE support.
func (m *Manager) Features() *Features {
	return m.features
}

// HasFullCORESupport returns true if the kernel ships native BTF.
func (m *Manager) HasFullCORESupport() bool {
	return m.features.CORESupport == "full"
}

// BTF returns the kernel type information, or nil when the kernel has none.
func (m *Manager) BTF() *btf.Spec {
	return m.spec
}

// StructByName looks up a named kernel struct in the managed BTF.
func (m *Manager) StructByName(name string) (*btf.Struct, error) {
	if m.spec == nil {
		return nil, fmt.Errorf("no kernel BTF available, cannot resolve struct %q", name)
	}
	return StructByName(m.spec, name)
}

func detectFeatures() (*Features, error) {
	version, err := kernel.Current()
	if err != nil {
		return nil, err
	}

	features := &Features{KernelVersion: version.Raw}

	if _, err := os.Stat(btfPath); err == nil {
		features.HasBTF = true
		features.BTFPath = btfPath
	}

	switch {
	case version.AtLeast(5, 2):
		// Native BTF plus full relocation support.
		features.CORESupport = "full"
	case version.AtLeast(4, 18):
		// CO-RE works with external BTF only.
		features.CORESupport = "partial"
	default:
		features.CORESupport = "none"
	}

	return features, nil
}
