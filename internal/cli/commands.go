package cli

import (
	"github.com/bryan-buckman/otdposter/internal/bot"
	"github.com/bryan-buckman/otdposter/internal/config"
	"github.com/bryan-buckman/otdposter/internal/database"
	"github.com/bryan-buckman/otdposter/internal/lemmy"
	"github.com/bryan-buckman/otdposter/internal/media"
	"github.com/bryan-buckman/otdposter/internal/supabase"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func (a *app) dbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db FROM [TO] [DATE]",
		Short: "Move the events of a day between Supabase, the database, Lemmy and the screen",
		Long: `Move the events of DATE (default today, YYYY-MM-DD) from FROM to TO.

FROM is SUPABASE or DATABASE. TO is DATABASE, LEMMY or SHOW (the default).
Events read from SUPABASE are stored in the database first. For LEMMY and
SHOW one event of the day is picked from the database, preferring events
never posted and skipping those posted in the last 100 days.`,
		Args: func(cmd *cobra.Command, args []string) error {
			return badParameter(cobra.RangeArgs(1, 3)(cmd, args))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := bot.ParseSource(args[0])
			if err != nil {
				return badParameter(errors.Wrap(err, "FROM"))
			}
			to := bot.DestShow
			if len(args) > 1 {
				if to, err = bot.ParseDestination(args[1]); err != nil {
					return badParameter(errors.Wrap(err, "TO"))
				}
			}
			if string(from) == string(to) {
				return badParameter(errors.Errorf("FROM and TO cannot both be %s", from))
			}
			var dateArgs []string
			if len(args) > 2 {
				dateArgs = args[2:]
			}
			date, err := parseDate(dateArgs)
			if err != nil {
				return err
			}

			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			var opts []bot.Option
			if from == bot.SourceSupabase {
				if err := cfg.RequireSupabase(); err != nil {
					return badParameter(err)
				}
				opts = append(opts, bot.WithFetcher(newFetcher(cfg)))
			}
			if to == bot.DestLemmy {
				if err := cfg.RequireLemmy(); err != nil {
					return badParameter(err)
				}
				opts = append(opts, bot.WithPublisher(newPublisher(cfg)))
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)
			opts = append(opts, bot.WithStore(store))

			return bot.New(cfg, a.out, opts...).DB(cmd.Context(), from, to, date)
		},
	}
	fs := cmd.Flags()
	addSupabaseFlags(fs)
	addEventFlags(fs)
	addDatabaseFlags(fs)
	addLemmyFlags(fs)
	addFormatFlag(fs)
	return cmd
}

func (a *app) postCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post [DATE]",
		Short: "Post every Supabase event of a day to Lemmy",
		Long: `Post every event of DATE (default today, YYYY-MM-DD) from Supabase to
Lemmy. The first event is posted at once, each next one --delay seconds
after the previous.`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(args)
			if err != nil {
				return err
			}
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireSupabase(); err != nil {
				return badParameter(err)
			}
			if err := cfg.RequireLemmy(); err != nil {
				return badParameter(err)
			}
			r := bot.New(cfg, a.out, bot.WithFetcher(newFetcher(cfg)), bot.WithPublisher(newPublisher(cfg)))
			return r.Post(cmd.Context(), date)
		},
	}
	fs := cmd.Flags()
	addSupabaseFlags(fs)
	addEventFlags(fs)
	addLemmyFlags(fs)
	fs.IntP("delay", "d", config.DefaultDelay, "seconds between two posts [env APC_DELAY]")
	return cmd
}

func (a *app) showCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [DATE]",
		Short: "Print the Supabase events of a day without storing them",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := parseDate(args)
			if err != nil {
				return err
			}
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireSupabase(); err != nil {
				return badParameter(err)
			}
			return bot.New(cfg, a.out, bot.WithFetcher(newFetcher(cfg))).Show(cmd.Context(), date)
		},
	}
	fs := cmd.Flags()
	addSupabaseFlags(fs)
	addEventFlags(fs)
	addFormatFlag(fs)
	return cmd
}

func newFetcher(cfg config.Config) *supabase.Fetcher {
	return supabase.NewFetcher(cfg.SupabaseURL, cfg.SupabaseKey)
}

func newPublisher(cfg config.Config) *lemmy.Publisher {
	return lemmy.NewPublisher(
		lemmy.NewClient(cfg.LemmyInstance),
		lemmy.Credentials{
			User:      cfg.LemmyUser,
			Password:  cfg.LemmyPassword,
			Community: cfg.LemmyCommunity,
		},
		lemmy.WithImageMaxDimension(cfg.ImageMaxDimension),
	)
}

func openStore(cfg config.Config) (*database.DB, error) {
	db, err := database.Open(cfg.LocalDatabase, database.WithImageLoader(media.NewDownloader()))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	log.Debug().Str("type", db.DatabaseType()).Msg("database opened")
	return db, nil
}

func closeStore(db *database.DB) {
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing database")
	}
}
