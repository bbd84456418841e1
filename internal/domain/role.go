package domain

type Role string

const (
	RoleOperator Role = "operator"
	RoleWorker   Role = "worker"
)

type Operation string

const (
	OpCreate         Operation = "create"
	OpListHistory    Operation = "list_history"
	OpCountPending   Operation = "count_pending"
	OpListByUsername Operation = "list_by_username"
	OpGet            Operation = "get"
	OpListPending    Operation = "list_pending"
	OpComplete       Operation = "complete"
	OpFail           Operation = "fail"
)

var permissions = map[Role]map[Operation]bool{
	RoleOperator: {
		OpCreate:         true,
		OpListHistory:    true,
		OpCountPending:   true,
		OpListByUsername: true,
		OpGet:            true,
	},
	RoleWorker: {
		OpListPending: true,
		OpComplete:    true,
		OpFail:        true,
	},
}

func (r Role) Can(op Operation) bool {
	return permissions[r][op]
}

func (r Role) Valid() bool {
	_, ok := permissions[r]
	return ok
}
