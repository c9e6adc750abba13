package sftpwire

// Packet types, SFTP version 3 (draft-ietf-secsh-filexfer-02).
const (
	SSHFXPInit          = 1
	SSHFXPVersion       = 2
	SSHFXPOpen          = 3
	SSHFXPClose         = 4
	SSHFXPRead          = 5
	SSHFXPWrite         = 6
	SSHFXPLstat         = 7
	SSHFXPFstat         = 8
	SSHFXPSetstat       = 9
	SSHFXPFsetstat      = 10
	SSHFXPOpendir       = 11
	SSHFXPReaddir       = 12
	SSHFXPRemove        = 13
	SSHFXPMkdir         = 14
	SSHFXPRmdir         = 15
	SSHFXPRealpath      = 16
	SSHFXPStat          = 17
	SSHFXPRename        = 18
	SSHFXPReadlink      = 19
	SSHFXPSymlink       = 20
	SSHFXPStatus        = 101
	SSHFXPHandle        = 102
	SSHFXPData          = 103
	SSHFXPName          = 104
	SSHFXPAttrs         = 105
)

// Protocol version this engine implements.
const ProtocolVersion = 3

// Status codes (SSH_FX_*).
const (
	StatusOK               = 0
	StatusEOF              = 1
	StatusNoSuchFile       = 2
	StatusPermissionDenied = 3
	StatusFailure          = 4
	StatusBadMessage       = 5
	StatusNoConnection     = 6
	StatusConnectionLost   = 7
	StatusOPUnsupported    = 8
	StatusInvalidHandle    = 9
)

// OPEN pflags.
const (
	FXFRead   = 0x00000001
	FXFWrite  = 0x00000002
	FXFAppend = 0x00000004
	FXFCreat  = 0x00000008
	FXFTrunc  = 0x00000010
	FXFExcl   = 0x00000020
)

// Attribute presence flags.
const (
	AttrSize        = 0x00000001
	AttrUIDGID      = 0x00000002
	AttrPermissions = 0x00000004
	AttrACModTime   = 0x00000008
	AttrExtended    = 0x80000000
)

// maxPacketLength guards against a client declaring an absurd frame
// length and exhausting memory before the handler ever sees the packet.
const maxPacketLength = 256 * 1024 * 1024
