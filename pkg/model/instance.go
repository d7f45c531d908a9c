package model

import "time"

// InstanceStatus mirrors the agent link state as seen by the Console.
type InstanceStatus string

const (
	InstanceOffline InstanceStatus = "offline"
	InstanceOnline  InstanceStatus = "online"
)

// Instance is a physical execution target. (mac_addr, ip) is unique.
type Instance struct {
	ID        int64          `json:"id" gorm:"primaryKey"`
	InstanceID string        `json:"instance_id" gorm:"uniqueIndex;size:64"`
	IP        string         `json:"ip" gorm:"size:64;uniqueIndex:idx_mac_ip"`
	MacAddr   string         `json:"mac_addr" gorm:"size:32;uniqueIndex:idx_mac_ip"`
	Namespace string         `json:"namespace" gorm:"size:64;index"`
	Status    InstanceStatus `json:"status" gorm:"size:16"`
	SysUser   string         `json:"sys_user" gorm:"size:64"`
	SSHPort   int            `json:"ssh_port"`

	CometID string `json:"comet_id,omitempty" gorm:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Instance) TableName() string { return "instance" }

// InstanceGroup is a named target-set shorthand.
type InstanceGroup struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;size:128"`
	TeamID    int64     `json:"team_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}

func (InstanceGroup) TableName() string { return "instance_group" }

// InstanceGroupMember is the join row between a group and an instance.
type InstanceGroupMember struct {
	ID              int64  `json:"id" gorm:"primaryKey"`
	InstanceGroupID int64  `json:"instance_group_id" gorm:"index"`
	InstanceID      string `json:"instance_id" gorm:"size:64;index"`
}

func (InstanceGroupMember) TableName() string { return "instance_group_member" }
