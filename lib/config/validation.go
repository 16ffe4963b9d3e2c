// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	ret := validator.New(validator.WithRequiredStructEnabled())
	if err := ret.RegisterValidation("pow2", func(fl validator.FieldLevel) bool {
		x := fl.Field().Uint()
		return x != 0 && x&(x-1) == 0
	}); err != nil {
		panic(err)
	}
	return ret
}

// Validate checks cfg against its struct tags and the rules that
// span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", formatValidationError(err))
	}
	if !isMultiple(uint64(cfg.Geometry.MaxExtentSize), uint64(cfg.Geometry.SectorSize)) {
		return fmt.Errorf("invalid config: geometry.max_extent_size %v is not a multiple of geometry.sector_size %v",
			cfg.Geometry.MaxExtentSize, cfg.Geometry.SectorSize)
	}
	if !isMultiple(uint64(cfg.Workload.MaxWriteSize), uint64(cfg.Geometry.SectorSize)) ||
		cfg.Workload.MaxWriteSize < 2*cfg.Geometry.SectorSize {
		return fmt.Errorf("invalid config: workload.max_write_size %v must be a multiple of geometry.sector_size %v, and at least two sectors",
			cfg.Workload.MaxWriteSize, cfg.Geometry.SectorSize)
	}
	return nil
}

func isMultiple(x, y uint64) bool {
	return y != 0 && x%y == 0
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: failed %q check (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
