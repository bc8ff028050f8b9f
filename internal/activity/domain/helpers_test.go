package domain

import "github.com/bwmarrin/snowflake"

func idOf(v int64) snowflake.ID { return snowflake.ID(v) }
