package features

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Feature is a server capability that depends on its version.
type Feature uint8

const (
	BitwiseOperations Feature = iota
	ClientName
	ClientID
	ExecAbort
	ExpireOverwrite
	GetDelete
	HashStringLength
	HashVariadicDelete
	IncrementFloat
	InfoSections
	ListInsert
	Memory
	MillisecondExpiry
	Module
	MultipleRandom
	Persist
	PushIfNotExists
	PushMultiple
	ReadOnlySort
	Scan
	Scripting
	ScriptingDatabaseSafe
	SetAndGet
	SetConditional
	SetKeepTTL
	SetNotExistsAndGet
	SetVariadicAddRemove
	SetPopMultiple
	ShardedPubSub
	SortedSetPop
	SortedSetRangeStore
	Streams
	StringLength
	StringSetRange
	SwapDB
	Time
	Unlink
	HyperLogLogCountReplicaSafe
	Geo
	PingOnSubscriber
	KeyTouch
	ReplicaCommands
	Resp3
	ClientSetInfo

	numFeatures
)

type threshold struct {
	name    string
	since   Version
	exclude *Version
}

var (
	v2_9_5 = V(2, 9, 5)

	// 7.0 RC1 reports itself as 6.9.240, 5.0 RC1 as 4.9.1.
	v7_0_0_rc1 = V(6, 9, 240)
	v5_0_0_rc1 = V(4, 9, 1)
)

var thresholds = [numFeatures]threshold{
	BitwiseOperations:           {name: "bitwise-operations", since: V(2, 6, 0)},
	ClientName:                  {name: "client-name", since: V(2, 6, 9)},
	ClientID:                    {name: "client-id", since: V(5, 0, 0)},
	ExecAbort:                   {name: "exec-abort", since: V(2, 6, 5), exclude: &v2_9_5},
	ExpireOverwrite:             {name: "expire-overwrite", since: V(2, 1, 3)},
	GetDelete:                   {name: "get-delete", since: V(6, 2, 0)},
	HashStringLength:            {name: "hash-string-length", since: V(3, 2, 0)},
	HashVariadicDelete:          {name: "hash-variadic-delete", since: V(2, 4, 0)},
	IncrementFloat:              {name: "increment-float", since: V(2, 6, 0)},
	InfoSections:                {name: "info-sections", since: V(2, 8, 0)},
	ListInsert:                  {name: "list-insert", since: V(2, 1, 1)},
	Memory:                      {name: "memory", since: V(4, 0, 0)},
	MillisecondExpiry:           {name: "millisecond-expiry", since: V(2, 6, 0)},
	Module:                      {name: "module", since: V(4, 0, 0)},
	MultipleRandom:              {name: "multiple-random", since: V(2, 5, 14)},
	Persist:                     {name: "persist", since: V(2, 1, 2)},
	PushIfNotExists:             {name: "push-if-not-exists", since: V(2, 1, 1)},
	PushMultiple:                {name: "push-multiple", since: V(4, 0, 0)},
	ReadOnlySort:                {name: "read-only-sort", since: v7_0_0_rc1},
	Scan:                        {name: "scan", since: V(2, 8, 0)},
	Scripting:                   {name: "scripting", since: V(2, 6, 0)},
	ScriptingDatabaseSafe:       {name: "scripting-database-safe", since: V(2, 8, 12)},
	SetAndGet:                   {name: "set-and-get", since: V(6, 2, 0)},
	SetConditional:              {name: "set-conditional", since: V(2, 6, 12)},
	SetKeepTTL:                  {name: "set-keep-ttl", since: V(6, 0, 0)},
	SetNotExistsAndGet:          {name: "set-not-exists-and-get", since: v7_0_0_rc1},
	SetVariadicAddRemove:        {name: "set-variadic-add-remove", since: V(2, 4, 0)},
	SetPopMultiple:              {name: "set-pop-multiple", since: V(3, 2, 0)},
	ShardedPubSub:               {name: "sharded-pubsub", since: v7_0_0_rc1},
	SortedSetPop:                {name: "sorted-set-pop", since: V(5, 0, 0)},
	SortedSetRangeStore:         {name: "sorted-set-range-store", since: V(6, 2, 0)},
	Streams:                     {name: "streams", since: v5_0_0_rc1},
	StringLength:                {name: "string-length", since: V(2, 1, 2)},
	StringSetRange:              {name: "string-set-range", since: V(2, 1, 8)},
	SwapDB:                      {name: "swap-db", since: V(4, 0, 0)},
	Time:                        {name: "time", since: V(2, 6, 0)},
	Unlink:                      {name: "unlink", since: V(4, 0, 0)},
	HyperLogLogCountReplicaSafe: {name: "hyperloglog-count-replica-safe", since: V(2, 8, 18)},
	Geo:                         {name: "geo", since: V(3, 2, 0)},
	PingOnSubscriber:            {name: "ping-on-subscriber", since: V(3, 0, 0)},
	KeyTouch:                    {name: "key-touch", since: V(3, 2, 1)},
	ReplicaCommands:             {name: "replica-commands", since: V(5, 0, 0)},
	Resp3:                       {name: "resp3", since: V(6, 0, 0)},
	ClientSetInfo:               {name: "client-setinfo", since: V(7, 2, 0)},
}

func (f Feature) String() string {
	if f >= numFeatures {
		return "unknown"
	}
	return thresholds[f].name
}

// Set is the immutable capability set of one server version.
type Set struct {
	version Version
	bits    uint64
}

var cache = xsync.NewMapOf[Version, Set]()

// For returns the capability set of a version. Sets are computed once per
// version and shared.
func For(v Version) Set {
	set, _ := cache.LoadOrCompute(v.normalized(), func() Set {
		return compute(v)
	})

	return set
}

func compute(v Version) Set {
	set := Set{version: v}

	for f := Feature(0); f < numFeatures; f++ {
		t := thresholds[f]

		if !v.IsAtLeast(t.since) {
			continue
		}

		if t.exclude != nil && v.Equal(*t.exclude) {
			continue
		}

		set.bits |= 1 << f
	}

	return set
}

func (s Set) Has(f Feature) bool {
	return f < numFeatures && s.bits&(1<<f) != 0
}

func (s Set) Version() Version {
	return s.version
}

// ReplicaTerm is the word the server uses for replicas in commands.
func (s Set) ReplicaTerm() string {
	if s.Has(ReplicaCommands) {
		return "replica"
	}
	return "slave"
}

// Names lists the supported capabilities.
func (s Set) Names() []string {
	var names []string

	for f := Feature(0); f < numFeatures; f++ {
		if s.Has(f) {
			names = append(names, f.String())
		}
	}

	return names
}

func (s Set) String() string {
	return s.version.String() + " [" + strings.Join(s.Names(), " ") + "]"
}
