package domain

// DefaultGroupName is the display name of the group created on first run.
const DefaultGroupName = "Default"

// Settings keys shared by the control surface and the tunnel process.
const (
	SettingDefaultGroupID    = "defaultGroup"
	SettingDefaultGroupName  = "defaultGroupName"
	SettingGeoIPLastModified = "MaxmindLastModifiedKey"
)
