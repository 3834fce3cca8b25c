// Copyright (C) The Stratify Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package stratify

import (
	"gopkg.in/check.v1"
)

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func (s *arvadosSuite) TestTranslatePaths(c *check.C) {
	runner := arvadosContainerRunner{}
	pdh := "/mnt/keep/by_id/d41d8cd98f00b204e9800998ecf8427e+0/ref.txt.gz"
	uuid := "zzzzz-4zz18-aaaaabbbbbccccc/individuals"
	other := "zzzzz-4zz18-aaaaabbbbbccccc/more"
	empty := ""
	stdin := "-"
	c.Assert(runner.TranslatePaths(&pdh, &uuid, &other, &empty, &stdin), check.IsNil)
	c.Check(pdh, check.Equals, "/mnt/d41d8cd98f00b204e9800998ecf8427e+0/ref.txt.gz")
	c.Check(uuid, check.Equals, "/mnt/zzzzz-4zz18-aaaaabbbbbccccc/individuals")
	c.Check(other, check.Equals, "/mnt/zzzzz-4zz18-aaaaabbbbbccccc/more")
	c.Check(empty, check.Equals, "")
	c.Check(stdin, check.Equals, "-")
	c.Check(runner.Mounts, check.DeepEquals, map[string]map[string]interface{}{
		"/mnt/d41d8cd98f00b204e9800998ecf8427e+0": {
			"kind":               "collection",
			"portable_data_hash": "d41d8cd98f00b204e9800998ecf8427e+0",
		},
		"/mnt/zzzzz-4zz18-aaaaabbbbbccccc": {
			"kind": "collection",
			"uuid": "zzzzz-4zz18-aaaaabbbbbccccc",
		},
	})

	local := "/tmp/ref.txt"
	c.Check(runner.TranslatePaths(&local), check.ErrorMatches, `cannot find uuid in path: "/tmp/ref.txt"`)
}

func (s *arvadosSuite) TestContainerEventSubscription(c *check.C) {
	sub := subscription("subscribe", "zzzzz-dz642-aaaaabbbbbccccc")
	c.Check(sub["method"], check.Equals, "subscribe")
	c.Check(sub["filters"], check.DeepEquals, [][]interface{}{
		{"object_uuid", "=", "zzzzz-dz642-aaaaabbbbbccccc"},
		{"event_type", "in", []string{"stderr", "crunch-run", "crunchstat", "update"}},
	})
}
