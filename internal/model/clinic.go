package model

// Doctor 医生
type Doctor struct {
    ID          int64  `json:"id" gorm:"primaryKey;autoIncrement"`
    Name        string `json:"name" gorm:"type:varchar(128);not null"`
    SpecialtyID int64  `json:"specialty_id" gorm:"not null;index"`
}

func (Doctor) TableName() string { return "doctors" }

// Room 诊室
type Room struct {
    ID   int64  `json:"id" gorm:"primaryKey;autoIncrement"`
    Name string `json:"name" gorm:"type:varchar(128);not null"`
}

func (Room) TableName() string { return "rooms" }

// TimeSlot 时间段，StartTime/EndTime 形如 09:00
type TimeSlot struct {
    ID        int64  `json:"id" gorm:"primaryKey;autoIncrement"`
    StartTime string `json:"start_time" gorm:"type:varchar(5);not null;uniqueIndex:ux_timeslot_range"`
    EndTime   string `json:"end_time" gorm:"type:varchar(5);not null;uniqueIndex:ux_timeslot_range"`
}

func (TimeSlot) TableName() string { return "time_slots" }

// Label 形如 09:00-09:30
func (t TimeSlot) Label() string { return t.StartTime + "-" + t.EndTime }
