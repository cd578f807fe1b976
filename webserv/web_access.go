// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Access rules limit a location to certain client addresses.

package webserv

import (
	"fmt"
	"net"
	"sort"
)

const (
	rankIP   = 16
	rankCIDR = 8
	rankAll  = 4
)

// ipRule is one allow or deny entry, ranked so that more specific rules
// win: exact address, then network, then "all".
type ipRule struct {
	// States
	rank int
	ip   net.IP
	cidr *net.IPNet
	all  bool
}

func parseIPRule(rule string) (*ipRule, error) {
	if rule == "all" {
		return &ipRule{rank: rankAll, all: true}, nil
	}
	if ip := net.ParseIP(rule); ip != nil {
		return &ipRule{rank: rankIP, ip: ip}, nil
	}
	if _, cidr, err := net.ParseCIDR(rule); err == nil {
		return &ipRule{rank: rankCIDR, cidr: cidr}, nil
	}
	return nil, fmt.Errorf("bad access rule %q", rule)
}

func (r *ipRule) matches(addr net.IP) bool {
	switch {
	case r.all:
		return true
	case r.ip != nil:
		return r.ip.Equal(addr)
	case r.cidr != nil:
		return r.cidr.Contains(addr)
	}
	return false
}

// accessRules holds a location's compiled allow and deny lists.
type accessRules struct {
	// States
	allow []*ipRule
	deny  []*ipRule
}

func compileAccessRules(allow []string, deny []string) (*accessRules, error) {
	if len(allow) == 0 && len(deny) == 0 {
		return nil, nil
	}
	rules := &accessRules{}
	for _, a := range allow {
		r, err := parseIPRule(a)
		if err != nil {
			return nil, err
		}
		rules.allow = append(rules.allow, r)
	}
	for _, d := range deny {
		r, err := parseIPRule(d)
		if err != nil {
			return nil, err
		}
		rules.deny = append(rules.deny, r)
	}
	// more specific rules take priority
	sort.Slice(rules.allow, func(i, j int) bool { return rules.allow[i].rank > rules.allow[j].rank })
	sort.Slice(rules.deny, func(i, j int) bool { return rules.deny[i].rank > rules.deny[j].rank })
	return rules, nil
}

// permits decides whether addr may use the location. The most specific
// matching rule wins; with no match at all, access is allowed.
func (rules *accessRules) permits(remoteAddr string) bool {
	if rules == nil {
		return true
	}
	addr := net.ParseIP(remoteAddr)
	if addr == nil {
		return false
	}
	allowRank, denyRank := 0, 0
	for _, r := range rules.allow {
		if r.matches(addr) {
			allowRank = r.rank
			break
		}
	}
	for _, r := range rules.deny {
		if r.matches(addr) {
			denyRank = r.rank
			break
		}
	}
	if denyRank == 0 {
		return true
	}
	return allowRank > denyRank
}
