package ioc

import (
	"github.com/ego-component/egorm"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
)

func InitDB() *egorm.Component {
	db := egorm.Load("mysql").Build()
	if err := initTables(db); err != nil {
		panic(err)
	}
	return db
}

func initTables(db *egorm.Component) error {
	return db.AutoMigrate(
		&dao.Sequence{},
		&dao.SequenceVersion{},
		&dao.SequenceStep{},
		&dao.StepCondition{},
		&dao.ChannelAdapter{},
		&dao.RotationPolicy{},
		&dao.HTTPHook{},
		&dao.Enrollment{},
		&dao.EnrollmentEvent{},
		&dao.StepExecution{},
	)
}
