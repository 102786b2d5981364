// Package lifecycle 资源生命周期: 状态图, 工作流步骤, 后台续作队列, 审计事件, 巡检
package lifecycle

import (
	"sort"

	"github.com/juju/collections/set"
)

// Status 资源状态
type Status string

// 通用状态(各模块可以在图中只使用其中一部分)
const (
	StatusNew          Status = "new"
	StatusCreating     Status = "creating"
	StatusAvailable    Status = "available"
	StatusError        Status = "error"
	StatusDeleting     Status = "deleting"
	StatusEditing      Status = "editing"
	StatusExtending    Status = "extending"
	StatusUploading    Status = "uploading"
	StatusDisconnected Status = "disconnected"
)

func (s Status) String() string { return string(s) }

// settled 巡检只处理这些状态
var settled = set.NewStrings(string(StatusAvailable), string(StatusError))

// IsSettled 是否为稳定状态(非过渡状态)
func IsSettled(s Status) bool { return settled.Contains(string(s)) }

// Graph 状态迁移图
type Graph struct {
	resource string
	edges    map[Status]set.Strings
}

// NewGraph 由邻接表创建迁移图
func NewGraph(resource string, edges map[Status][]Status) *Graph {
	g := &Graph{resource: resource, edges: make(map[Status]set.Strings, len(edges))}
	for from, tos := range edges {
		s := set.NewStrings()
		for _, to := range tos {
			s.Add(string(to))
		}
		g.edges[from] = s
	}
	return g
}

// BaseEdges new -> creating -> available <-> error; available|error -> deleting
func BaseEdges() map[Status][]Status {
	return map[Status][]Status{
		StatusNew:       {StatusCreating, StatusDeleting},
		StatusCreating:  {StatusAvailable, StatusError},
		StatusAvailable: {StatusError, StatusDeleting, StatusAvailable},
		StatusError:     {StatusAvailable, StatusDeleting, StatusError},
		StatusDeleting:  {StatusError},
	}
}

// Extend 在基础图上增加迁移
func Extend(base map[Status][]Status, extra map[Status][]Status) map[Status][]Status {
	out := make(map[Status][]Status, len(base)+len(extra))
	for k, v := range base {
		out[k] = append([]Status(nil), v...)
	}
	for k, v := range extra {
		out[k] = append(out[k], v...)
	}
	return out
}

// Resource 资源名
func (g *Graph) Resource() string { return g.resource }

// Allowed 是否允许迁移
func (g *Graph) Allowed(from, to Status) bool {
	tos, ok := g.edges[from]
	return ok && tos.Contains(string(to))
}

// Check 迁移不合法时返回PreconditionError
func (g *Graph) Check(id string, from, to Status) error {
	if g.Allowed(from, to) {
		return nil
	}
	var allowed []Status
	for from2, tos := range g.edges {
		if tos.Contains(string(to)) {
			allowed = append(allowed, from2)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return &PreconditionError{Resource: g.resource, ID: id, Current: from, Allowed: allowed}
}

// Require 当前状态必须是allowed之一
func Require(resource, id string, current Status, allowed ...Status) error {
	for _, s := range allowed {
		if s == current {
			return nil
		}
	}
	return &PreconditionError{Resource: resource, ID: id, Current: current, Allowed: allowed}
}
