/*
 *
 * xk6-webclient - a headless web client extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */


// Package webclient is the k6 headless web client extension module.
package webclient

import (
	"github.com/grafana/xk6-webclient/browser"

	k6modules "go.k6.io/k6/js/modules"
)

func init() {
	k6modules.Register("k6/x/webclient", browser.New())
}
